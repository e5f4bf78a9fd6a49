package biblesync

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// multicastSockets owns the two UDP sockets described in spec §4.6: a
// transmit socket (loopback enabled, bound interface, mode-dependent TTL)
// and a receive socket (SO_REUSEADDR, bound to 0.0.0.0:port, joined to the
// group). Grounded on the teacher's beacon transport (beacon/beacon.go),
// which performs the equivalent dance with the predecessor
// code.google.com/p/go.net/ipv4 package.
type multicastSockets struct {
	txConn *net.UDPConn
	txPC   *ipv4.PacketConn
	rxConn *net.UDPConn
	rxPC   *ipv4.PacketConn
	group  *net.UDPAddr
	intf   *net.Interface
}

func interfaceForIP(ip net.IP) *net.Interface {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, candidate := range ifs {
		addrs, err := candidate.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.Equal(ip) {
				found := candidate
				return &found
			}
		}
	}
	return nil
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func openMulticastSockets(groupIP net.IP, port int, localIP net.IP, ttl int, loopback bool) (*multicastSockets, error) {
	group := &net.UDPAddr{IP: groupIP, Port: port}
	intf := interfaceForIP(localIP)

	txConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP})
	if err != nil {
		return nil, errors.Wrap(err, "open transmit socket")
	}
	txPC := ipv4.NewPacketConn(txConn)
	if err := txPC.SetMulticastInterface(intf); err != nil {
		txConn.Close()
		return nil, errors.Wrap(err, "set multicast interface")
	}
	if err := txPC.SetMulticastLoopback(loopback); err != nil {
		txConn.Close()
		return nil, errors.Wrap(err, "set multicast loopback")
	}
	if err := txPC.SetMulticastTTL(ttl); err != nil {
		txConn.Close()
		return nil, errors.Wrap(err, "set multicast ttl")
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	rxPacketConn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		txConn.Close()
		return nil, errors.Wrap(err, "bind receive socket")
	}
	rxConn := rxPacketConn.(*net.UDPConn)
	rxPC := ipv4.NewPacketConn(rxConn)
	if err := rxPC.SetControlMessage(ipv4.FlagSrc, true); err != nil {
		txConn.Close()
		rxConn.Close()
		return nil, errors.Wrap(err, "enable source control messages")
	}
	if err := rxPC.JoinGroup(intf, group); err != nil {
		txConn.Close()
		rxConn.Close()
		return nil, errors.Wrap(err, "join multicast group")
	}

	return &multicastSockets{
		txConn: txConn,
		txPC:   txPC,
		rxConn: rxConn,
		rxPC:   rxPC,
		group:  group,
		intf:   intf,
	}, nil
}

func (s *multicastSockets) setTTL(ttl int) error {
	return errors.Wrap(s.txPC.SetMulticastTTL(ttl), "set multicast ttl")
}

func (s *multicastSockets) send(datagram []byte) error {
	_, err := s.txPC.WriteTo(datagram, nil, s.group)
	return errors.Wrap(err, "write datagram")
}

// recvOne performs a single zero-timeout, non-blocking read (recvfrom with
// MSG_DONTWAIT), reporting ok=false at once when nothing is pending. The
// engine must never wait for network I/O (spec §5).
func (s *multicastSockets) recvOne(buf []byte) (n int, src net.Addr, ok bool) {
	raw, err := s.rxConn.SyscallConn()
	var from syscall.Sockaddr
	var recvErr error
	if err == nil {
		err = raw.Read(func(fd uintptr) bool {
			n, from, recvErr = syscall.Recvfrom(int(fd), buf, syscall.MSG_DONTWAIT)
			return true
		})
	}
	sa, isInet4 := from.(*syscall.SockaddrInet4)
	if err != nil || recvErr != nil || !isInet4 {
		return 0, nil, false
	}
	return n, &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}, true
}

func (s *multicastSockets) close() {
	if s.txConn != nil {
		s.txConn.Close()
	}
	if s.rxConn != nil {
		s.rxConn.Close()
	}
}
