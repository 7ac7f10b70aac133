// Package client connects to a node's gateway: it receives node events and
// issues commands, waiting for each command's result.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/omochice/lanmesh/internal/gateway"
)

const readLimit = 4 << 20

var (
	ErrNotConnected  = errors.New("not connected to gateway")
	ErrDisconnected  = errors.New("gateway connection closed")
	ErrCommandFailed = errors.New("command failed")
)

// Client is a gateway client.
type Client struct {
	address  string
	conn     *websocket.Conn
	self     gateway.User
	messages chan gateway.Message
	results  chan gateway.Result
	closed   chan struct{}
	mu       sync.RWMutex
	cmdMu    sync.Mutex
	seq      uint64
	wg       sync.WaitGroup
}

// New creates a client for address, either a ws:// URL or host:port.
func New(address string) *Client {
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "ws://" + address + gateway.Path
	}
	return &Client{
		address:  address,
		messages: make(chan gateway.Message, 64),
		results:  make(chan gateway.Result, 4),
		closed:   make(chan struct{}),
	}
}

// Connect dials the gateway and waits for its greeting.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	var hello gateway.Message
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != gateway.TypeHello || hello.User == nil {
		conn.Close(websocket.StatusProtocolError, "")
		return fmt.Errorf("unexpected greeting %q", data)
	}

	c.mu.Lock()
	c.conn = conn
	c.self = *hello.User
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(conn)
	return nil
}

// Disconnect closes the connection and waits for the reader to stop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Self returns the node identity announced in the greeting.
func (c *Client) Self() gateway.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Messages delivers node events. It is closed when the connection ends.
func (c *Client) Messages() <-chan gateway.Message {
	return c.messages
}

// Do sends cmd and waits for its result. A result that reports failure is
// returned together with an error wrapping ErrCommandFailed.
func (c *Client) Do(ctx context.Context, cmd gateway.Command) (gateway.Result, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return gateway.Result{}, ErrNotConnected
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.seq++
	cmd.ID = strconv.FormatUint(c.seq, 10)
	data, err := json.Marshal(cmd)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("failed to encode command: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return gateway.Result{}, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		select {
		case res := <-c.results:
			if res.ID != cmd.ID {
				continue
			}
			if !res.OK {
				return res, fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd.Type, res.Error)
			}
			return res, nil
		case <-c.closed:
			return gateway.Result{}, ErrDisconnected
		case <-ctx.Done():
			return gateway.Result{}, ctx.Err()
		}
	}
}

func (c *Client) receive(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.messages)
	defer close(c.closed)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && c.IsConnected() {
				log.Printf("Error reading from gateway: %v", err)
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Printf("Failed to decode gateway message: %v", err)
			continue
		}
		if envelope.Type == gateway.TypeResult {
			var res gateway.Result
			if err := json.Unmarshal(data, &res); err != nil {
				log.Printf("Failed to decode result: %v", err)
				continue
			}
			select {
			case c.results <- res:
			default:
				log.Printf("Dropping stale result %s", res.ID)
			}
			continue
		}

		var msg gateway.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to decode gateway message: %v", err)
			continue
		}
		select {
		case c.messages <- msg:
		default:
			log.Printf("Message buffer full, dropping %s", msg.Type)
		}
	}
}

func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	_, err := c.Do(ctx, gateway.Command{Type: gateway.CmdSendMessage, To: to, Text: text})
	return err
}

func (c *Client) SendTyping(ctx context.Context, to string, typing bool) error {
	_, err := c.Do(ctx, gateway.Command{Type: gateway.CmdSendTyping, To: to, Typing: typing})
	return err
}

func (c *Client) SetName(ctx context.Context, name string) error {
	_, err := c.Do(ctx, gateway.Command{Type: gateway.CmdSetName, Name: name})
	return err
}

func (c *Client) SetOnline(ctx context.Context, online bool) error {
	_, err := c.Do(ctx, gateway.Command{Type: gateway.CmdSetOnline, Online: online})
	return err
}

func (c *Client) SendFile(ctx context.Context, to, path string) error {
	_, err := c.Do(ctx, gateway.Command{Type: gateway.CmdSendFile, To: to, Path: path})
	return err
}

// Transfer issues one of the transfer control commands (receive, pause,
// cancel, restart, remove) for the file name offered by peer.
func (c *Client) Transfer(ctx context.Context, command, peer, file string) error {
	_, err := c.Do(ctx, gateway.Command{Type: command, Peer: peer, File: file})
	return err
}

func (c *Client) Users(ctx context.Context) ([]gateway.User, error) {
	res, err := c.Do(ctx, gateway.Command{Type: gateway.CmdUsers})
	return res.Users, err
}

func (c *Client) Transfers(ctx context.Context) ([]gateway.Transfer, error) {
	res, err := c.Do(ctx, gateway.Command{Type: gateway.CmdTransfers})
	return res.Transfers, err
}
