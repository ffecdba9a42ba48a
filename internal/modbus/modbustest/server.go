// Package modbustest provides an in-process Modbus TCP slave for tests.
package modbustest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type Request struct {
	FunctionCode uint8
	Address      uint16
	Count        uint16
	Words        []uint16 // written values
}

// Server serves holding registers from memory. Unset registers read as 0.
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	regs      map[uint16]uint16
	exception byte
	delay     time.Duration
	requests  []Request
	conns     map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer starts a server on a loopback port and stops it with the test.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	s := &Server{
		ln:    ln,
		regs:  make(map[uint16]uint16),
		conns: make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	tb.Cleanup(s.Close)

	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) SetRegisters(address uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range words {
		s.regs[address+uint16(i)] = w
	}
}

func (s *Server) Registers(address, count uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = s.regs[address+uint16(i)]
	}
	return out
}

// FailWith answers every following request with the exception code.
// Zero restores normal operation.
func (s *Server) FailWith(code byte) {
	s.mu.Lock()
	s.exception = code
	s.mu.Unlock()
}

// SetDelay holds every response back for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// DropConnections closes all client connections but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}

		resp := s.handle(req)

		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

func readFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 254 {
		return nil, errors.New("bad length")
	}
	buf := make([]byte, mbapHeaderSize+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[mbapHeaderSize:]); err != nil {
		return nil, err
	}
	return DecodeFrame(buf)
}

func (s *Server) handle(req *Frame) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exception != 0 {
		s.requests = append(s.requests, Request{FunctionCode: req.FunctionCode})
		return req.Exception(s.exception)
	}

	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters:
		if len(req.Data) != 4 {
			return req.Exception(ExceptionIllegalDataValue)
		}
		address := binary.BigEndian.Uint16(req.Data[0:2])
		count := binary.BigEndian.Uint16(req.Data[2:4])
		s.requests = append(s.requests, Request{FunctionCode: req.FunctionCode, Address: address, Count: count})
		if count == 0 || count > 125 {
			return req.Exception(ExceptionIllegalDataValue)
		}
		words := make([]uint16, count)
		for i := range words {
			words[i] = s.regs[address+uint16(i)]
		}
		return req.Reply(RegisterPayload(words))

	case FuncCodeWriteMultipleRegisters:
		address, words, err := ParseWriteMultiple(req.Data)
		if err != nil {
			return req.Exception(ExceptionIllegalDataValue)
		}
		s.requests = append(s.requests, Request{
			FunctionCode: req.FunctionCode, Address: address, Count: uint16(len(words)), Words: words,
		})
		for i, w := range words {
			s.regs[address+uint16(i)] = w
		}
		return req.Reply(req.Data[0:4])
	}

	return req.Exception(ExceptionIllegalFunction)
}
