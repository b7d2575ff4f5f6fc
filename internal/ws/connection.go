package ws

import (
	"context"
	"errors"
	"sync"

	"netrax/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(username string) (*Session, error)
	Leave(s *Session)
	Dispatch(ctx context.Context, s *Session, msg models.ClientMessage)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	session    *Session
	fromClient chan models.ClientMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	username string,
) (*Connection, error) {
	session, err := hub.Join(username)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		session:    session,
		fromClient: make(chan models.ClientMessage),
		errorCh:    make(chan error, 2),
	}, nil
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.session)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.hub.Dispatch(ctx, c.session, msg)
		case msg, ok := <-c.session.Out:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
