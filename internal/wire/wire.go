// Package wire carries register reads and writes as ASCII lines, so the FPGA
// bus can be reached over a TCP socket or a UART with the same framing:
//
//	R aaaaaaaa           -> V vvvvvvvv
//	W aaaaaaaa vvvvvvvv  -> K
//	(any failure)        -> E message
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gentam/fpgaflash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrRemote wraps errors reported by the other end.
var ErrRemote = errors.New("remote error")

// Client implements fpgaflash.Bus over a line-oriented stream.
type Client struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Reader
}

var _ fpgaflash.Bus = (*Client)(nil)

// NewClient returns a client speaking on rw.
func NewClient(rw io.ReadWriter) *Client {
	return &Client{w: rw, r: bufio.NewReader(rw)}
}

func (c *Client) roundTrip(req string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.w, req+"\n"); err != nil {
		return "", errors.Wrap(err, "wire: send")
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "wire: receive")
	}
	line = strings.TrimRight(line, "\r\n")
	if msg, ok := strings.CutPrefix(line, "E "); ok {
		return "", errors.Wrap(ErrRemote, msg)
	}
	return line, nil
}

// ReadRegister implements fpgaflash.Bus.
func (c *Client) ReadRegister(addr uint32) (uint32, error) {
	resp, err := c.roundTrip(fmt.Sprintf("R %08x", addr))
	if err != nil {
		return 0, err
	}
	var v uint32
	if _, err := fmt.Sscanf(resp, "V %x", &v); err != nil {
		return 0, errors.Errorf("wire: bad read response %q", resp)
	}
	return v, nil
}

// WriteRegister implements fpgaflash.Bus.
func (c *Client) WriteRegister(addr, v uint32) error {
	resp, err := c.roundTrip(fmt.Sprintf("W %08x %08x", addr, v))
	if err != nil {
		return err
	}
	if resp != "K" {
		return errors.Errorf("wire: bad write response %q", resp)
	}
	return nil
}

// Serve answers requests from rw against bus until rw is exhausted.
func Serve(rw io.ReadWriter, bus fpgaflash.Bus, log logrus.FieldLogger) error {
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		resp := handle(sc.Text(), bus)
		if strings.HasPrefix(resp, "E ") {
			log.WithField("request", sc.Text()).Warn(resp[2:])
		}
		if _, err := io.WriteString(rw, resp+"\n"); err != nil {
			return errors.Wrap(err, "wire: reply")
		}
	}
	return errors.Wrap(sc.Err(), "wire: scan")
}

func handle(line string, bus fpgaflash.Bus) string {
	var addr, v uint32
	switch {
	case strings.HasPrefix(line, "R "):
		if _, err := fmt.Sscanf(line, "R %x", &addr); err != nil {
			return "E malformed read"
		}
		v, err := bus.ReadRegister(addr)
		if err != nil {
			return "E " + err.Error()
		}
		return fmt.Sprintf("V %08x", v)
	case strings.HasPrefix(line, "W "):
		if _, err := fmt.Sscanf(line, "W %x %x", &addr, &v); err != nil {
			return "E malformed write"
		}
		if err := bus.WriteRegister(addr, v); err != nil {
			return "E " + err.Error()
		}
		return "K"
	}
	return fmt.Sprintf("E unknown request %q", line)
}
