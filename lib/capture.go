package lib

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const captureSnapLen = 65535

// capture writes every datagram crossing a link to a pcap stream. A nil
// capture ignores writes.
type capture struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

func newCapture(w io.Writer) (*capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	c := &capture{w: pw}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

func (c *capture) write(datagram []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(datagram),
		Length:        len(datagram),
	}
	if err := c.w.WritePacket(ci, datagram); err != nil {
		log.Warnln("capture: write failed, capture stopped:", err)
		c.w = nil
	}
}

func (c *capture) close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = nil
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
