package synchronize

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// AMIType is the registry type of the Asterisk Manager Interface
// service.
const AMIType = "AsteriskAMI"

// SCCPResetter restarts SCCP devices by their device name. The Cisco
// plugin family asserts the AMI service to this.
type SCCPResetter interface {
	SCCPReset(deviceName string) error
}

// AMIConfig configures the connection to the Asterisk Manager
// Interface.
type AMIConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port" default:"5038"`
	Username string        `yaml:"username"`
	Secret   string        `yaml:"secret"`
	Timeout  time.Duration `yaml:"timeout" default:"10s"`
}

// AsteriskAMISynchronizeService resets devices through the Asterisk
// Manager Interface. Each reset opens a short-lived session: login,
// command, logoff.
type AsteriskAMISynchronizeService struct {
	cfg AMIConfig
}

// NewAsteriskAMISynchronizeService creates an AMI synchronize service.
func NewAsteriskAMISynchronizeService(cfg AMIConfig) *AsteriskAMISynchronizeService {
	if cfg.Port == 0 {
		cfg.Port = 5038
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &AsteriskAMISynchronizeService{cfg: cfg}
}

// Type returns "AsteriskAMI".
func (s *AsteriskAMISynchronizeService) Type() string {
	return AMIType
}

// Close is a no-op; sessions are per call.
func (s *AsteriskAMISynchronizeService) Close() error {
	return nil
}

// SCCPReset makes the SCCP channel driver restart the named device.
func (s *AsteriskAMISynchronizeService) SCCPReset(deviceName string) error {
	return s.command("sccp reset " + deviceName)
}

func (s *AsteriskAMISynchronizeService) command(command string) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("ami %s: %w (%v)", addr, util.ErrSyncFailed, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.cfg.Timeout))

	reader := bufio.NewReader(conn)
	// banner, e.g. "Asterisk Call Manager/1.1"
	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("ami %s: read banner: %w (%v)", addr, util.ErrSyncFailed, err)
	}

	login := "Action: Login\r\nUsername: " + s.cfg.Username + "\r\nSecret: " + s.cfg.Secret + "\r\n\r\n"
	if err := s.roundTrip(conn, reader, login); err != nil {
		return fmt.Errorf("ami %s: login: %w", addr, err)
	}
	action := "Action: Command\r\nCommand: " + command + "\r\n\r\n"
	if err := s.roundTrip(conn, reader, action); err != nil {
		return fmt.Errorf("ami %s: %q: %w", addr, command, err)
	}
	fmt.Fprintf(conn, "Action: Logoff\r\n\r\n")
	util.Debugf("ami: %q sent to %s", command, addr)
	return nil
}

// roundTrip sends one action and reads the response block, failing on
// an Error response.
func (s *AsteriskAMISynchronizeService) roundTrip(conn net.Conn, reader *bufio.Reader, action string) error {
	if _, err := conn.Write([]byte(action)); err != nil {
		return fmt.Errorf("%w (%v)", util.ErrSyncFailed, err)
	}
	response, err := readAMIResponse(reader)
	if err != nil {
		return fmt.Errorf("%w (%v)", util.ErrSyncFailed, err)
	}
	if strings.EqualFold(response["Response"], "Error") {
		message := response["Message"]
		if message == "" {
			message = "unspecified error"
		}
		return fmt.Errorf("%w (%s)", util.ErrSyncFailed, message)
	}
	return nil
}

// readAMIResponse reads one manager response. Plain responses end at
// an empty line; command output ("Response: Follows") ends at the
// --END COMMAND-- marker.
func readAMIResponse(reader *bufio.Reader) (map[string]string, error) {
	response := make(map[string]string)
	follows := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if follows {
				continue
			}
			return response, nil
		}
		if strings.Contains(line, "--END COMMAND--") {
			return response, nil
		}
		if key, value, ok := strings.Cut(line, ": "); ok {
			response[key] = value
			if key == "Response" && strings.EqualFold(value, "Follows") {
				follows = true
			}
		}
	}
}
