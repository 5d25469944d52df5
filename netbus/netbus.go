// Package netbus reaches the FPGA bus through a TCP bridge.
package netbus

import (
	"net"
	"time"

	"github.com/gentam/fpgaflash"
	"github.com/gentam/fpgaflash/internal/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the TCP port of the bus bridge.
const DefaultPort = 8363

// Bus is a fpgaflash.Bus backed by a TCP connection.
type Bus struct {
	*wire.Client
	conn net.Conn
}

var _ fpgaflash.Bus = (*Bus)(nil)

// Dial connects to the bridge at addr ("host:port").
func Dial(addr string, timeout time.Duration) (*Bus, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "netbus: dial %s", addr)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Bus {
	return &Bus{Client: wire.NewClient(conn), conn: conn}
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

// Serve exposes bus on l, one goroutine per connection, until Accept fails.
// Requests from different connections are not ordered with respect to each
// other, so only one programmer should be connected at a time.
func Serve(l net.Listener, bus fpgaflash.Bus, log logrus.FieldLogger) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "netbus: accept")
		}
		clog := log.WithField("remote", conn.RemoteAddr().String())
		clog.Info("client connected")
		go func() {
			defer conn.Close()
			if err := wire.Serve(conn, bus, clog); err != nil {
				clog.WithError(err).Warn("connection closed")
				return
			}
			clog.Info("client disconnected")
		}()
	}
}
