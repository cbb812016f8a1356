package synchronize

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// SIPNotifyType is the registry type of the SIP NOTIFY service.
const SIPNotifyType = "SIPNotify"

// Notifier sends an out-of-dialog SIP NOTIFY to a device. Plugins use
// it with vendor-specific event names like "check-sync".
type Notifier interface {
	Notify(addr, username, event string) error
}

// SIPNotifyConfig configures the SIP NOTIFY service.
type SIPNotifyConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"2s"`
}

// SIPNotifySynchronizeService pokes devices with out-of-dialog SIP
// NOTIFY requests over UDP. Most SIP phones resynchronize on a
// check-sync event from their provisioning server.
type SIPNotifySynchronizeService struct {
	cfg SIPNotifyConfig
}

// NewSIPNotifySynchronizeService creates a SIP NOTIFY service.
func NewSIPNotifySynchronizeService(cfg SIPNotifyConfig) *SIPNotifySynchronizeService {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &SIPNotifySynchronizeService{cfg: cfg}
}

// Type returns "SIPNotify".
func (s *SIPNotifySynchronizeService) Type() string {
	return SIPNotifyType
}

// Close is a no-op; sockets are per call.
func (s *SIPNotifySynchronizeService) Close() error {
	return nil
}

// Notify sends the NOTIFY and waits for the device's response. addr is
// "host:port"; a missing port defaults to 5060.
func (s *SIPNotifySynchronizeService) Notify(addr, username, event string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(addr, "5060")
	}
	conn, err := net.DialTimeout("udp", addr, s.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("sip notify %s: %w (%v)", addr, util.ErrSyncFailed, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.cfg.Timeout))

	local := conn.LocalAddr().String()
	tag := uuid.NewString()
	request := fmt.Sprintf("NOTIFY sip:%s@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP %s;branch=z9hG4bK%s;rport\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: <sip:provd@%s>;tag=%s\r\n"+
		"To: <sip:%s@%s>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 NOTIFY\r\n"+
		"Event: %s\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n",
		username, host, local, tag, local, tag, username, host, uuid.NewString(), event)
	if _, err := conn.Write([]byte(request)); err != nil {
		return fmt.Errorf("sip notify %s: %w (%v)", addr, util.ErrSyncFailed, err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("sip notify %s: no response: %w (%v)", addr, util.ErrSyncFailed, err)
	}
	status := firstLine(string(buf[:n]))
	if !strings.HasPrefix(status, "SIP/2.0 2") {
		return fmt.Errorf("sip notify %s: %w (%s)", addr, util.ErrSyncFailed, status)
	}
	util.Debugf("sip notify: %s event sent to %s", event, addr)
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
