package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"time"
)

// Source RCON packet types. Minecraft's implementation reuses type 2
// for both auth responses and command execution.
const (
	packetAuth        = 3
	packetExecCommand = 2

	// MaxPacketSize is the standard RCON packet size limit. Declared
	// lengths outside [0, MaxPacketSize] abort the connection.
	MaxPacketSize = 4096

	dialTimeout = 5 * time.Second
)

var colorCodeRe = regexp.MustCompile(`§.`)

// StripColors removes Minecraft §-prefixed color and formatting codes.
func StripColors(text string) string {
	return colorCodeRe.ReplaceAllString(text, "")
}

// Client is a Minecraft RCON connection. It is not safe for concurrent
// use; callers serialize access or dial per command.
type Client struct {
	host      string
	port      int
	password  string
	conn      net.Conn
	requestID int32
}

// NewClient creates an unconnected client.
func NewClient(host string, port int, password string) *Client {
	return &Client{host: host, port: port, password: password}
}

// Connect dials the server and authenticates. Auth failure returns an
// error; the server signals a bad password with request ID -1.
func (c *Client) Connect() error {
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("rcon dial %s: %w", addr, err)
	}
	c.conn = conn

	if err := c.writePacket(packetAuth, c.password); err != nil {
		c.Close()
		return fmt.Errorf("rcon auth: %w", err)
	}

	id, _, _, err := c.readPacket()
	if err != nil {
		c.Close()
		return fmt.Errorf("rcon auth: %w", err)
	}
	if id == -1 {
		c.Close()
		return fmt.Errorf("rcon auth: wrong password")
	}
	return nil
}

// Send executes a command and returns the raw response payload.
func (c *Client) Send(command string) (string, error) {
	if c.conn == nil {
		return "", fmt.Errorf("rcon: not connected")
	}
	if err := c.writePacket(packetExecCommand, command); err != nil {
		return "", fmt.Errorf("rcon send: %w", err)
	}
	_, _, payload, err := c.readPacket()
	if err != nil {
		return "", fmt.Errorf("rcon read: %w", err)
	}
	return payload, nil
}

// Close tears down the connection. Safe to call when not connected.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) writePacket(packetType int32, payload string) error {
	c.requestID++

	body := append([]byte(payload), 0, 0)
	length := int32(4 + 4 + len(body))

	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.requestID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(packetType))
	buf = append(buf, body...)

	c.conn.SetDeadline(time.Now().Add(dialTimeout))
	_, err := c.conn.Write(buf)
	return err
}

func (c *Client) readPacket() (requestID, packetType int32, payload string, err error) {
	c.conn.SetDeadline(time.Now().Add(dialTimeout))

	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return 0, 0, "", fmt.Errorf("connection lost: %w", err)
	}
	length := int32(binary.LittleEndian.Uint32(lengthBuf[:]))
	if length < 0 || length > MaxPacketSize {
		return 0, 0, "", fmt.Errorf("RCON packet size out of bounds: %d", length)
	}
	if length < 10 {
		return 0, 0, "", fmt.Errorf("RCON packet too short: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return 0, 0, "", fmt.Errorf("connection lost: %w", err)
	}

	requestID = int32(binary.LittleEndian.Uint32(data[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(data[4:8]))
	payload = string(data[8 : length-2])
	return requestID, packetType, payload, nil
}

// Execute dials, authenticates, runs one command and disconnects.
// This matches how the Paper server expects short-lived RCON sessions.
func Execute(host string, port int, password, command string) (string, error) {
	c := NewClient(host, port, password)
	if err := c.Connect(); err != nil {
		return "", err
	}
	defer c.Close()
	return c.Send(command)
}
