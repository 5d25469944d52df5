package serialbus

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type silentReader struct{}

func (silentReader) Read(p []byte) (int, error) { return 0, nil }

func TestTimeoutReader(t *testing.T) {
	_, err := timeoutReader{silentReader{}}.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrTimeout)

	r := timeoutReader{bytes.NewReader([]byte("K\n"))}
	b, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "K\n", string(b))
}
