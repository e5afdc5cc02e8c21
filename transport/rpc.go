// Package transport provides the net/rpc-based peer and client transport
// that the raft and kvserver packages depend on: raft reaches peers
// through the abstract raft.RaftPeer interface, and kvserver's Client
// uses ClientPool directly.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"
)

// Client is an RPC client for sending requests to a single server
// address, reconnecting lazily on demand.
type Client struct {
	mu         sync.Mutex
	serverAddr string
	connection *rpc.Client
	connected  bool
	timeout    time.Duration
	logger     *log.Logger
}

// NewClient creates a client for the given server address. timeout bounds
// every RPC call made through it.
func NewClient(serverAddr string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		serverAddr: serverAddr,
		timeout:    timeout,
		logger:     logger,
	}
}

// Call makes an RPC call, reconnecting first if necessary and
// disconnecting on any error or timeout so the next call retries cleanly.
func (c *Client) Call(serviceMethod string, args interface{}, reply interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.connect(); err != nil {
			return fmt.Errorf("transport: connect to %s: %w", c.serverAddr, err)
		}
	}

	callChan := make(chan error, 1)
	go func() {
		callChan <- c.connection.Call(serviceMethod, args, reply)
	}()

	select {
	case err := <-callChan:
		if err != nil {
			c.logger.Printf("rpc call %s.%s failed: %v", c.serverAddr, serviceMethod, err)
			c.disconnect()
			return err
		}
		return nil
	case <-time.After(c.timeout):
		c.logger.Printf("rpc call %s.%s timed out", c.serverAddr, serviceMethod)
		c.disconnect()
		return errors.New("transport: rpc call timed out")
	}
}

func (c *Client) connect() error {
	conn, err := rpc.DialHTTP("tcp", c.serverAddr)
	if err != nil {
		return err
	}
	c.connection = conn
	c.connected = true
	return nil
}

func (c *Client) disconnect() {
	if c.connected && c.connection != nil {
		c.connection.Close()
		c.connected = false
	}
}

// Server is an RPC server exposing registered services over HTTP-wrapped
// net/rpc.
type Server struct {
	listener net.Listener
	server   *rpc.Server
	logger   *log.Logger
	addr     string
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
}

// NewServer creates a server that will listen on addr once Start is
// called.
func NewServer(addr string, logger *log.Logger) *Server {
	return &Server{
		server: rpc.NewServer(),
		logger: logger,
		addr:   addr,
	}
}

// RegisterName exposes rcvr's methods under name, following net/rpc's
// usual exported-method convention.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.server.RegisterName(name, rcvr)
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("transport: server already stopped")
	}

	s.server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Printf("listening on %s", s.addr)

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr returns the address the server is actually listening on, which
// differs from the configured one when it was created with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := http.Serve(s.listener, nil); err != nil {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.logger.Printf("http serve error: %v", err)
		}
	}
}

// Stop closes the listener and waits for the serve goroutine to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	// serve takes s.mu on its way out, so the lock must be released
	// before waiting for it.
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Printf("stopped listening on %s", s.addr)
}

// ClientPool lazily creates and reuses one Client per server address.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*Client
	timeout time.Duration
	logger  *log.Logger
}

// NewClientPool returns an empty pool; clients it creates use timeout for
// every RPC call.
func NewClientPool(timeout time.Duration, logger *log.Logger) *ClientPool {
	return &ClientPool{
		clients: make(map[string]*Client),
		timeout: timeout,
		logger:  logger,
	}
}

// Get returns the pooled client for addr, creating it on first use.
func (p *ClientPool) Get(addr string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[addr]
	if !ok {
		client = NewClient(addr, p.timeout, p.logger)
		p.clients[addr] = client
	}
	return client
}

// CloseAll disconnects every pooled client.
func (p *ClientPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		client.disconnect()
	}
	p.clients = make(map[string]*Client)
}
