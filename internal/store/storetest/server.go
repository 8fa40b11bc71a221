// Package storetest runs an in-process redis fake speaking just enough of the
// wire protocol to back RedisStorage in tests: hash commands, expiry
// acknowledgements, and the connection handshake.
package storetest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type Server struct {
	ln     net.Listener
	mu     sync.Mutex
	hashes map[string]map[string]string
}

// NewServer starts the fake on a random loopback port and stops it when the
// test finishes.
func NewServer(t *testing.T) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{ln: ln, hashes: make(map[string]map[string]string)}
	go srv.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		s.dispatch(writer, args)
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readCommand parses one client command, always an array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	head, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(head) == 0 || head[0] != '*' {
		return nil, fmt.Errorf("unexpected array header %q", head)
	}
	n, err := strconv.Atoi(head[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		bulk, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(bulk) == 0 || bulk[0] != '$' {
			return nil, fmt.Errorf("unexpected bulk header %q", bulk)
		}
		size, err := strconv.Atoi(bulk[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func (s *Server) dispatch(w *bufio.Writer, args []string) {
	if len(args) == 0 {
		fmt.Fprint(w, "-ERR empty command\r\n")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "HSET":
		h := s.hash(args[1])
		created := 0
		for i := 2; i+1 < len(args); i += 2 {
			if _, ok := h[args[i]]; !ok {
				created++
			}
			h[args[i]] = args[i+1]
		}
		fmt.Fprintf(w, ":%d\r\n", created)
	case "HGET":
		val, ok := s.hashes[args[1]][args[2]]
		if !ok {
			fmt.Fprint(w, "$-1\r\n")
			return
		}
		writeBulk(w, val)
	case "HGETALL":
		h := s.hashes[args[1]]
		fmt.Fprintf(w, "*%d\r\n", len(h)*2)
		for field, val := range h {
			writeBulk(w, field)
			writeBulk(w, val)
		}
	case "HDEL":
		h := s.hashes[args[1]]
		deleted := 0
		for _, field := range args[2:] {
			if _, ok := h[field]; ok {
				delete(h, field)
				deleted++
			}
		}
		fmt.Fprintf(w, ":%d\r\n", deleted)
	case "HINCRBY":
		h := s.hash(args[1])
		delta, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			fmt.Fprint(w, "-ERR value is not an integer or out of range\r\n")
			return
		}
		current, _ := strconv.ParseInt(h[args[2]], 10, 64)
		current += delta
		h[args[2]] = strconv.FormatInt(current, 10)
		fmt.Fprintf(w, ":%d\r\n", current)
	case "HEXPIRE", "HEXPIREAT", "HPEXPIRE":
		// HEXPIRE key ttl FIELDS numfields field...
		n := 0
		for i, arg := range args {
			if strings.EqualFold(arg, "FIELDS") && i+1 < len(args) {
				n = len(args) - i - 2
			}
		}
		fmt.Fprintf(w, "*%d\r\n", n)
		for i := 0; i < n; i++ {
			fmt.Fprint(w, ":1\r\n")
		}
	case "DEL":
		deleted := 0
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				deleted++
			}
		}
		fmt.Fprintf(w, ":%d\r\n", deleted)
	case "EXPIRE", "PEXPIRE", "EXPIREAT", "PEXPIREAT":
		fmt.Fprint(w, ":1\r\n")
	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func (s *Server) hash(key string) map[string]string {
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func writeBulk(w *bufio.Writer, val string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(val), val)
}
