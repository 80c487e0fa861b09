// Package net implements the binary-framed TCP command surface clients
// use to submit and cancel orders, per spec §6.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/matching"
	"oddsmint/internal/workerpool"
)

const (
	MaxRecvSize        = 4 * 1024
	defaultNWorkers    = 10
	defaultConnTimeout = 5 * time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
)

// ClientSession tracks one connected TCP client.
type ClientSession struct {
	conn net.Conn
}

// ClientMessage links a parsed message to the session that sent it.
type ClientMessage struct {
	clientAddress string
	message       Message
}

// Engine is the subset of the orchestrator's command surface the wire
// protocol drives: submitting an order runs it through matching and
// persists the result, per internal/orchestrator.
type Engine interface {
	ProcessOrder(ctx context.Context, order common.Order) (matching.SubmitResult, error)
	CancelOrder(ctx context.Context, key matching.BookKey, orderId ids.OrderId) error
}

// Server runs the TCP accept loop, a bounded worker pool for connection
// handling, and single-goroutine sequential command dispatch to Engine.
type Server struct {
	address string
	port    int
	engine  Engine

	pool   workerpool.Pool
	cancel context.CancelFunc

	clientSessionsLock sync.Mutex
	clientSessions     map[string]ClientSession
	clientMessages     chan ClientMessage
}

// New constructs a Server bound to address:port, driving engine.
func New(address string, port int, engine Engine) *Server {
	return &Server{
		address:        address,
		port:           port,
		engine:         engine,
		pool:           workerpool.New(defaultNWorkers),
		clientSessions: make(map[string]ClientSession),
		clientMessages: make(chan ClientMessage, 1),
	}
}

// Shutdown cancels the server's context, which closes the listener and
// stops the accept loop. Connection handlers and the dispatch goroutine
// stop through the server's tomb; neither Shutdown nor Run waits for
// them to finish.
func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run blocks serving TCP connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return
	}
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
	}()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})

	t.Go(func() error {
		return s.sessionHandler(t)
	})

	log.Info().Str("address", s.address).Int("port", s.port).Msg("server running")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("error accepting client")
				continue
			}

			log.Info().Str("address", conn.RemoteAddr().String()).Msg("new client connected")
			s.addClientSession(conn)
			s.pool.Add(conn)
		}
	}
}

// ReportExecution writes an execution report to the submitting client.
func (s *Server) ReportExecution(clientAddress string, order common.Order, trades []common.Trade, takerUser ids.UserId) error {
	report := buildExecutionReport(order, trades, takerUser)
	return s.send(clientAddress, &report)
}

// ReportError writes an error report to a client.
func (s *Server) ReportError(clientAddress string, err error) error {
	report := buildErrorReport(err)
	return s.send(clientAddress, &report)
}

func (s *Server) send(clientAddress string, report *Report) error {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	client, ok := s.clientSessions[clientAddress]
	if !ok {
		return ErrClientDoesNotExist
	}

	wire, err := report.Serialize()
	if err != nil {
		return err
	}

	if _, err := client.conn.Write(wire); err != nil {
		delete(s.clientSessions, clientAddress)
		return fmt.Errorf("unable to send report: %w", err)
	}
	return nil
}

func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case message := <-s.clientMessages:
			if err := s.handleMessage(message); err != nil {
				log.Error().Err(err).Str("clientAddress", message.clientAddress).Msg("error handling message")
				s.ReportError(message.clientAddress, err)
			}
		}
	}
}

func (s *Server) handleMessage(message ClientMessage) error {
	switch message.message.GetType() {
	case NewOrder:
		msg, ok := message.message.(NewOrderMessage)
		if !ok {
			return ErrInvalidMessageType
		}
		order := msg.Order()
		result, err := s.engine.ProcessOrder(context.Background(), order)
		if err != nil {
			return s.ReportError(message.clientAddress, err)
		}
		return s.ReportExecution(message.clientAddress, result.Order, result.Trades, order.UserId)

	case CancelOrder:
		msg, ok := message.message.(CancelOrderMessage)
		if !ok {
			return ErrInvalidMessageType
		}
		key := matching.BookKey{Market: msg.MarketId, Outcome: msg.OutcomeId, Share: msg.ShareType}
		if err := s.engine.CancelOrder(context.Background(), key, msg.OrderId); err != nil {
			return s.ReportError(message.clientAddress, err)
		}
		return nil

	default:
		log.Error().Int("messageType", int(message.message.GetType())).Msg("invalid message type")
		return ErrInvalidMessageType
	}
}

// handleConnection reads one message from a connection, forwards it to
// sessionHandler, and re-queues the connection for its next message. Any
// returned error is fatal to the worker running it.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}

	if err := conn.SetDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("failed setting deadline")
		s.closeConn(conn)
		return nil
	}

	buffer := make([]byte, MaxRecvSize)
	select {
	case <-t.Dying():
		return nil
	default:
		n, err := conn.Read(buffer)
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("error reading from connection")
			s.closeConn(conn)
			return nil
		}

		message, err := parseMessage(buffer[:n])
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("error parsing message")
			s.ReportError(conn.RemoteAddr().String(), err)
			s.pool.Add(conn)
			return nil
		}

		s.clientMessages <- ClientMessage{
			message:       message,
			clientAddress: conn.RemoteAddr().String(),
		}
		s.pool.Add(conn)
	}
	return nil
}

func (s *Server) closeConn(conn net.Conn) {
	s.deleteClientSession(conn.RemoteAddr().String())
	if err := conn.Close(); err != nil {
		log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("error closing connection")
	}
}

func (s *Server) addClientSession(conn net.Conn) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	s.clientSessions[conn.RemoteAddr().String()] = ClientSession{conn: conn}
}

func (s *Server) deleteClientSession(address string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	delete(s.clientSessions, address)
}
