package lib

import "github.com/Clouded-Sabre/inetcore/lib/header"

// TCP flag constants
const (
	URGFlag uint8 = header.TCPFlagUrg
	ACKFlag uint8 = header.TCPFlagAck
	PSHFlag uint8 = header.TCPFlagPsh
	RSTFlag uint8 = header.TCPFlagRst
	SYNFlag uint8 = header.TCPFlagSyn
	FINFlag uint8 = header.TCPFlagFin
)

const (
	TcpHeaderLength   = header.TCPMinimumSize // options not included
	IpHeaderLength    = header.IPv4MinimumSize
	IpHeaderMaxLength = header.IPv4MaximumHeaderSize

	maxWindow      = 65535 // largest window a TCP header can carry
	maxCongWindow  = 1 << 14
	loopbackMTU    = 16436
	defaultMTU     = 1500
	defaultTTL     = 64 // TTL assumed for datagrams whose header the host kept
	ipProtocolRaw  = 255
	timerRetryWait = 2 // milliseconds a busy timer waits before trying again
)
