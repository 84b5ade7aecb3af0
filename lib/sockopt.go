package lib

import "time"

// SetNoDelay disables Nagle coalescing; pending small data goes out at once.
func (c *Connection) SetNoDelay(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noDelay = on
	if on {
		c.flushPartial()
		c.pushWriteQueue()
		c.updateTimer()
	}
	return nil
}

func (c *Connection) SetKeepAlive(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepalive = on
	c.kaProbes = 0
	c.updateTimer()
	return nil
}

// SetKeepAlivePeriod sets the idle time before the first keepalive probe.
func (c *Connection) SetKeepAlivePeriod(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepaliveIdle = d
	if c.timerReason == timerKeepalive {
		c.stopTimer()
		c.updateTimer()
	}
	return nil
}

// SetLinger follows net.TCPConn: a negative sec restores the default
// background close, zero makes Close reset the connection and a positive
// value makes Close wait that long for the FIN to be acknowledged.
func (c *Connection) SetLinger(sec int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec < 0 {
		c.lingerSet, c.linger = false, 0
		return nil
	}
	c.lingerSet, c.linger = true, time.Duration(sec)*time.Second
	return nil
}

// SetMaxSegmentSize lowers the segment size in both directions. It cannot
// raise it above what the path allows.
func (c *Connection) SetMaxSegmentSize(n int) error {
	if n < 64 || n > maxWindow-IpHeaderLength-TcpHeaderLength {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < c.advMSS && c.state <= StateSynSent {
		c.advMSS = n
	}
	if n < c.mss {
		c.mss = n
	}
	return nil
}

func (c *Connection) MaxSegmentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mss
}

func (c *Connection) TOS() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tos
}

func (c *Connection) SetTOS(tos uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tos = tos
	return nil
}

func (c *Connection) TTL() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *Connection) SetTTL(ttl uint8) error {
	if ttl == 0 {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
	return nil
}

// SetInlineUrgent leaves the urgent byte in the normal data stream.
func (c *Connection) SetInlineUrgent(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inlineUrgent = on
	return nil
}

// SetNonblocking makes Read and Write return ErrWouldBlock instead of
// waiting.
func (c *Connection) SetNonblocking(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonblocking = on
	return nil
}
