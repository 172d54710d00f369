package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"sync"
	"time"

	"voxrelay/internal/session"
)

const DefaultSocketPath = "/tmp/voxrelay.sock"

const (
	CmdPing     = "ping"
	CmdStatus   = "status"
	CmdCloseAll = "close_all"
)

type ControlMessage struct {
	Cmd string `json:"cmd"`
}

type Reply struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Sessions []session.Info `json:"sessions,omitempty"`
	Closed   int            `json:"closed,omitempty"`
}

type Handler func(ControlMessage) Reply

type Server struct {
	ln   net.Listener
	path string
	wg   sync.WaitGroup
}

// StartServer listens on a unix socket and answers one command per
// connection.
func StartServer(path string, handler Handler) (*Server, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{ln: ln, path: path}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn("ipc accept", "err", err)
				continue
			}
			go handleConn(conn, handler)
		}
	}()

	return s, nil
}

func (s *Server) Path() string { return s.path }

func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

func handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var msg ControlMessage
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&msg); err != nil {
		log.Debug("ipc decode", "err", err)
		return
	}

	reply := handler(msg)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Debug("ipc reply", "err", err)
	}
}

// SendCommand sends cmd to the daemon at path and waits for its reply.
func SendCommand(path, cmd string) (Reply, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	enc := json.NewEncoder(conn)
	if err := enc.Encode(ControlMessage{Cmd: cmd}); err != nil {
		return Reply{}, err
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if !reply.OK && reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}
