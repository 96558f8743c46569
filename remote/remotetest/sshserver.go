package remotetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHServer executes "exec" requests with the local shell, standing in
// for a guest's sshd.
type SSHServer struct {
	Addr string

	config   *ssh.ServerConfig
	listener net.Listener
}

// StartSSHServer serves on listener, or on a fresh loopback port when
// listener is nil. When authorized is non-nil only that key may log in;
// otherwise any client is accepted. The server stops at test cleanup.
func StartSSHServer(t testing.TB, listener net.Listener, authorized ssh.PublicKey) *SSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}

	config := &ssh.ServerConfig{NoClientAuth: authorized == nil}
	if authorized != nil {
		want := string(authorized.Marshal())
		config.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key %s", ssh.FingerprintSHA256(key))
		}
	}
	config.AddHostKey(signer)

	if listener == nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Listen: %v", err)
		}
	}
	server := &SSHServer{Addr: listener.Addr().String(), config: config, listener: listener}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go server.serveConn(conn)
		}
	}()
	return server
}

func (s *SSHServer) serveConn(conn net.Conn) {
	_, channels, requests, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)
	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, channelRequests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for request := range requests {
		if request.Type != "exec" {
			request.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		ssh.Unmarshal(request.Payload, &payload)
		request.Reply(true, nil)

		cmd := exec.Command("sh", "-c", payload.Command)
		cmd.Stdin = channel
		cmd.Stdout = channel
		cmd.Stderr = channel.Stderr()
		status := 0
		if err := cmd.Run(); err != nil {
			var exitError *exec.ExitError
			status = 255
			if errors.As(err, &exitError) {
				status = exitError.ExitCode()
			}
		}
		statusPayload := make([]byte, 4)
		binary.BigEndian.PutUint32(statusPayload, uint32(status))
		channel.SendRequest("exit-status", false, statusPayload)
		return
	}
}
