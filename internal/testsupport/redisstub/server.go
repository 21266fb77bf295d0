// Package redisstub runs a miniature in-process Redis speaking enough RESP2
// for the commands VodForge issues: list traffic for the brokered job queue,
// pub/sub publishes for the event sink, and INCR-managed counters for the
// rate-limit store. Tests get hermetic coverage of the Redis paths without a
// real server.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte

	mu        sync.Mutex
	lists     map[string][]string
	counters  map[string]*counterEntry
	published map[string][]string
}

type counterEntry struct {
	value  int64
	expiry time.Time
}

func (e *counterEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:      opts,
		closed:    make(chan struct{}),
		lists:     make(map[string][]string),
		counters:  make(map[string]*counterEntry),
		published: make(map[string][]string),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Published returns the payloads published on a channel, oldest first.
func (s *Server) Published(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.published[channel]
	out := make([]string, len(messages))
	copy(out, messages)
	return out
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			replyErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP3 is not spoken here; an error reply makes go-redis fall
			// back to RESP2 and authenticate explicitly.
			replyErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			replyErr = writeSimpleString(writer, "OK")
		case "SELECT":
			replyErr = writeSimpleString(writer, "OK")
		case "AUTH":
			authenticated, replyErr = s.handleAuth(writer, args)
		default:
			if !authenticated {
				replyErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			replyErr = s.dispatch(writer, args)
		}
		if replyErr != nil {
			return
		}
	}
}

func (s *Server) handleAuth(writer *bufio.Writer, args []string) (bool, error) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return false, writeError(writer, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || password == s.opts.Password {
		return true, writeSimpleString(writer, "OK")
	}
	return false, writeError(writer, "WRONGPASS invalid username-password pair")
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "LPUSH":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'lpush'")
		}
		length := s.lpush(args[1], args[2:])
		return writeInteger(writer, int64(length))
	case "BRPOP":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'brpop'")
		}
		seconds, err := strconv.ParseFloat(args[len(args)-1], 64)
		if err != nil {
			return writeError(writer, "ERR timeout is not a float or out of range")
		}
		return s.handleBRPop(writer, args[1:len(args)-1], seconds)
	case "LLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'llen'")
		}
		s.mu.Lock()
		length := len(s.lists[args[1]])
		s.mu.Unlock()
		return writeInteger(writer, int64(length))
	case "PUBLISH":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'publish'")
		}
		s.mu.Lock()
		s.published[args[1]] = append(s.published[args[1]], args[2])
		s.mu.Unlock()
		return writeInteger(writer, 0)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		return writeInteger(writer, s.incr(args[1]))
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time")
		}
		s.expire(args[1], time.Duration(seconds)*time.Second)
		return writeInteger(writer, 1)
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttl(args[1]))
	default:
		return writeError(writer, fmt.Sprintf("ERR unsupported command '%s'", args[0]))
	}
}

func (s *Server) lpush(key string, values []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	for _, value := range values {
		list = append([]string{value}, list...)
	}
	s.lists[key] = list
	return len(list)
}

// handleBRPop polls the keys in argument order until one yields a value or
// the timeout lapses, mirroring how a blocking pop surfaces priority order.
func (s *Server) handleBRPop(writer *bufio.Writer, keys []string, seconds float64) error {
	var deadline time.Time
	if seconds > 0 {
		deadline = time.Now().Add(time.Duration(seconds * float64(time.Second)))
	}
	for {
		if key, value, ok := s.rpop(keys); ok {
			return writeArray(writer, []interface{}{key, value})
		}
		select {
		case <-s.closed:
			return writeNullArray(writer)
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return writeNullArray(writer)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) rpop(keys []string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		list := s.lists[key]
		if len(list) == 0 {
			continue
		}
		value := list[len(list)-1]
		s.lists[key] = list[:len(list)-1]
		return key, value, true
	}
	return "", "", false
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.counters[key]
	if entry == nil || entry.expired(time.Now()) {
		entry = &counterEntry{}
		s.counters[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.counters[key]
	if entry == nil {
		entry = &counterEntry{}
		s.counters[key] = entry
	}
	entry.expiry = time.Now().Add(ttl)
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.counters[key]
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.counters, key)
		return -2
	}
	return int64((remaining + time.Second - 1) / time.Second)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeNullArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		default:
			text := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
