package synchronize

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// startFakeAMIServer runs a one-session manager interface accepting
// the given secret. Received actions are sent on the returned channel.
func startFakeAMIServer(t *testing.T, secret string) (AMIConfig, <-chan map[string]string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	actions := make(chan map[string]string, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "Asterisk Call Manager/1.1\r\n")
		reader := bufio.NewReader(conn)
		for {
			action, err := readActionBlock(reader)
			if err != nil {
				return
			}
			actions <- action
			switch action["Action"] {
			case "Login":
				if action["Secret"] == secret {
					fmt.Fprintf(conn, "Response: Success\r\nMessage: Authentication accepted\r\n\r\n")
				} else {
					fmt.Fprintf(conn, "Response: Error\r\nMessage: Authentication failed\r\n\r\n")
				}
			case "Command":
				fmt.Fprintf(conn, "Response: Follows\r\nPrivilege: Command\r\n")
				fmt.Fprintf(conn, "Resetting device\r\n--END COMMAND--\r\n\r\n")
			case "Logoff":
				fmt.Fprintf(conn, "Response: Goodbye\r\n\r\n")
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	cfg := AMIConfig{Host: host, Port: port, Username: "provd", Secret: secret, Timeout: 2 * time.Second}
	return cfg, actions
}

func readActionBlock(reader *bufio.Reader) (map[string]string, error) {
	action := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return action, nil
		}
		if key, value, ok := strings.Cut(line, ": "); ok {
			action[key] = value
		}
	}
}

func TestAMISCCPReset(t *testing.T) {
	cfg, actions := startFakeAMIServer(t, "s3cret")
	service := NewAsteriskAMISynchronizeService(cfg)

	if got := service.Type(); got != "AsteriskAMI" {
		t.Fatalf("Type() = %q, want %q", got, "AsteriskAMI")
	}
	if err := service.SCCPReset("SEP001122334455"); err != nil {
		t.Fatalf("SCCPReset: %v", err)
	}

	login := <-actions
	if login["Action"] != "Login" || login["Username"] != "provd" || login["Secret"] != "s3cret" {
		t.Errorf("unexpected login action: %v", login)
	}
	command := <-actions
	if command["Action"] != "Command" {
		t.Fatalf("unexpected second action: %v", command)
	}
	if got, want := command["Command"], "sccp reset SEP001122334455"; got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}
}

func TestAMISCCPResetBadSecret(t *testing.T) {
	cfg, _ := startFakeAMIServer(t, "s3cret")
	cfg.Secret = "wrong"
	service := NewAsteriskAMISynchronizeService(cfg)

	err := service.SCCPReset("SEP001122334455")
	if !errors.Is(err, util.ErrSyncFailed) {
		t.Fatalf("SCCPReset error = %v, want ErrSyncFailed", err)
	}
	if !strings.Contains(err.Error(), "Authentication failed") {
		t.Errorf("error %q does not carry the manager message", err)
	}
}

func TestAMISCCPResetConnectionRefused(t *testing.T) {
	// grab a port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	service := NewAsteriskAMISynchronizeService(AMIConfig{
		Host: host, Port: port, Username: "provd", Secret: "x", Timeout: time.Second,
	})
	if err := service.SCCPReset("SEP001122334455"); !errors.Is(err, util.ErrSyncFailed) {
		t.Fatalf("SCCPReset error = %v, want ErrSyncFailed", err)
	}
}
