package shared

import (
	"net"
	"sync/atomic"
)

// TrafficStats 是累计的上下行字节数。
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

// TrafficCounter 汇总多个连接的流量。零值可用。
type TrafficCounter struct {
	uplink   atomic.Uint64
	downlink atomic.Uint64
}

// Wrap 返回一个把读写计入本计数器的连接。
// 对出站连接而言，写是上行，读是下行。
func (t *TrafficCounter) Wrap(conn net.Conn) *CountedConn {
	return NewCountedConn(conn, &t.uplink, &t.downlink)
}

func (t *TrafficCounter) Stats() TrafficStats {
	return TrafficStats{Uplink: t.uplink.Load(), Downlink: t.downlink.Load()}
}

// CountedConn 原子地统计经过连接的字节数。
type CountedConn struct {
	net.Conn
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

func NewCountedConn(conn net.Conn, uplink, downlink *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		uplink:   uplink,
		downlink: downlink,
	}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}

// CloseWrite 在底层连接支持时半关闭写方向。
func (c *CountedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
