package rcon

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"os"
	"strings"
	"testing"
)

// fakeServer speaks just enough of the Source RCON protocol to test
// the client: it authenticates against a fixed password and echoes
// commands back with a prefix.
func fakeServer(t *testing.T, password string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveRcon(conn, password)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveRcon(conn net.Conn, password string) {
	defer conn.Close()
	for {
		id, typ, payload, err := readTestPacket(conn)
		if err != nil {
			return
		}
		switch typ {
		case packetAuth:
			respID := id
			if payload != password {
				respID = -1
			}
			writeTestPacket(conn, respID, 2, "")
		case packetExecCommand:
			writeTestPacket(conn, id, 0, "echo: "+payload)
		}
	}
}

func readTestPacket(conn net.Conn) (id, typ int32, payload string, err error) {
	var lengthBuf [4]byte
	if _, err = io.ReadFull(conn, lengthBuf[:]); err != nil {
		return
	}
	length := int32(binary.LittleEndian.Uint32(lengthBuf[:]))
	data := make([]byte, length)
	if _, err = io.ReadFull(conn, data); err != nil {
		return
	}
	id = int32(binary.LittleEndian.Uint32(data[0:4]))
	typ = int32(binary.LittleEndian.Uint32(data[4:8]))
	payload = string(data[8 : length-2])
	return
}

func writeTestPacket(conn net.Conn, id, typ int32, payload string) {
	body := append([]byte(payload), 0, 0)
	buf := make([]byte, 0, 12+len(body))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+4+len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(typ))
	buf = append(buf, body...)
	conn.Write(buf)
}

func TestClientAuthAndSend(t *testing.T) {
	host, port := fakeServer(t, "hunter2")

	c := NewClient(host, port, "hunter2")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	resp, err := c.Send("list")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp != "echo: list" {
		t.Fatalf("Send response = %q, want %q", resp, "echo: list")
	}
}

func TestClientAuthFailure(t *testing.T) {
	host, port := fakeServer(t, "hunter2")

	c := NewClient(host, port, "wrong")
	err := c.Connect()
	if err == nil {
		c.Close()
		t.Fatal("Connect succeeded with wrong password")
	}
	if !strings.Contains(err.Error(), "wrong password") {
		t.Fatalf("Connect error = %v, want wrong password", err)
	}
}

func TestClientOversizedPacket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Drain the auth packet, then declare an absurd length.
		readTestPacket(conn)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(MaxPacketSize+1))
		conn.Write(buf[:])
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient("127.0.0.1", addr.Port, "pw")
	err = c.Connect()
	if err == nil {
		c.Close()
		t.Fatal("Connect succeeded despite oversized packet")
	}
	if !strings.Contains(err.Error(), "out of bounds") {
		t.Fatalf("Connect error = %v, want size out of bounds", err)
	}
}

func TestLoadProperties(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.properties")
	content := `# Minecraft server properties
enable-rcon=true
rcon.port=25580
rcon.password=secret
motd=A Minecraft Server
broken line without equals
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	props, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties: %v", err)
	}

	cfg := ConfigFromProperties(props)
	if !cfg.Enabled {
		t.Fatal("cfg.Enabled = false, want true")
	}
	if cfg.Port != 25580 {
		t.Fatalf("cfg.Port = %d, want 25580", cfg.Port)
	}
	if cfg.Password != "secret" {
		t.Fatalf("cfg.Password = %q, want %q", cfg.Password, "secret")
	}
	if cfg.Host != "127.0.0.1" {
		t.Fatalf("cfg.Host = %q, want 127.0.0.1", cfg.Host)
	}
}

func TestLoadPropertiesMissingFile(t *testing.T) {
	props, err := LoadProperties(filepath.Join(t.TempDir(), "nope.properties"))
	if err != nil {
		t.Fatalf("LoadProperties on missing file: %v", err)
	}
	cfg := ConfigFromProperties(props)
	if cfg.Enabled {
		t.Fatal("cfg.Enabled = true for missing file")
	}
	if cfg.Port != 25575 {
		t.Fatalf("cfg.Port = %d, want default 25575", cfg.Port)
	}
}

func TestEnableRCON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.properties")
	content := "enable-rcon=false\nrcon.password=\nrcon.port=25575\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := EnableRCON(path, "newpass"); err != nil {
		t.Fatalf("EnableRCON: %v", err)
	}

	props, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties: %v", err)
	}
	if props["enable-rcon"] != "true" {
		t.Fatalf("enable-rcon = %q, want true", props["enable-rcon"])
	}
	if props["rcon.password"] != "newpass" {
		t.Fatalf("rcon.password = %q, want newpass", props["rcon.password"])
	}

	if err := EnableRCON(path, ""); err == nil {
		t.Fatal("EnableRCON accepted empty password")
	}
}
