package sip2

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

// fakeSIPServer accepts exactly one connection and replies to the four
// messages of a full patron_information() sequence (login, sc status,
// patron information, end session) with canned responses built from
// patronStatus and variableFields.
func fakeSIPServer(t *testing.T, patronStatus string, variableFields string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		// Login
		if _, err := r.ReadString('\r'); err != nil {
			return
		}
		if _, err := conn.Write([]byte("941\r")); err != nil {
			return
		}

		// SC Status
		if _, err := r.ReadString('\r'); err != nil {
			return
		}
		if _, err := conn.Write([]byte("980000000000000AOinst|\r")); err != nil {
			return
		}

		// Patron Information
		if _, err := r.ReadString('\r'); err != nil {
			return
		}
		status := patronStatus
		if len(status) < 14 {
			status = status + strings.Repeat(" ", 14-len(status))
		}
		fixed := "64" + status + "001" + "20261231    235959" + strings.Repeat("0000", 6)
		if _, err := conn.Write([]byte(fixed + variableFields + "\r")); err != nil {
			return
		}

		// End Session
		if _, err := r.ReadString('\r'); err != nil {
			return
		}
		conn.Write([]byte("36Y20261231    235959AOinst|AAjdoe|\r"))
	}()

	return addr.IP.String(), addr.Port
}

func testSettings(host string, port int, patronStatusBlock bool) Settings {
	return Settings{
		Config: Config{
			Server:         host,
			Port:           port,
			LoginUserID:    "scuser",
			LoginPassword:  "scpass",
			InstitutionID:  "inst",
			FieldSeparator: "|",
			Encoding:       EncodingUTF8,
			Dialect:        DialectGenericILS,
			Timeout:        2 * time.Second,
		},
		PatronStatusBlock: patronStatusBlock,
	}
}

func TestRemoteAuthenticateReturnsPatronDataOnValidLogin(t *testing.T) {
	host, port := fakeSIPServer(t, "", "AOinst|AAjdoe|AEJohn Doe|BLY|CQY|BV0.00|PA20271231|")
	p := NewProvider(testSettings(host, port, true))

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "pin1234")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd == nil {
		t.Fatal("expected non-nil PatronData")
	}
	if pd.AuthorizationIdentifier != "jdoe" {
		t.Errorf("AuthorizationIdentifier = %q, want jdoe", pd.AuthorizationIdentifier)
	}
	if pd.PersonalName != "John Doe" {
		t.Errorf("PersonalName = %q, want John Doe", pd.PersonalName)
	}
	if pd.IsBlocked() {
		t.Errorf("expected not blocked, got block reason %q", pd.BlockReason)
	}
	if pd.AuthorizationExpires == nil || pd.AuthorizationExpires.Year() != 2027 {
		t.Errorf("AuthorizationExpires = %v, want 2027", pd.AuthorizationExpires)
	}
}

func TestRemoteAuthenticateReturnsNilOnInvalidPatron(t *testing.T) {
	host, port := fakeSIPServer(t, "", "BLN|CQN|")
	p := NewProvider(testSettings(host, port, true))

	pd, err := p.RemoteAuthenticate(context.Background(), "ghost", "pin")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd != nil {
		t.Errorf("expected nil PatronData, got %+v", pd)
	}
}

func TestRemoteAuthenticateReportsBlockFromPatronStatus(t *testing.T) {
	// card_reported_lost is status index 4.
	status := "    Y         "
	host, port := fakeSIPServer(t, status[:14], "AOinst|AAjdoe|BLY|CQY|BV0.00|")
	p := NewProvider(testSettings(host, port, true))

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "pin")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd.BlockReason != catalog.BlockCardReportedLost {
		t.Errorf("BlockReason = %q, want %q", pd.BlockReason, catalog.BlockCardReportedLost)
	}
}

func TestRemoteAuthenticateFeeLimitOverridesBlockReason(t *testing.T) {
	host, port := fakeSIPServer(t, "", "AOinst|AAjdoe|BLY|CQY|BV50.00|CC10.00|")
	p := NewProvider(testSettings(host, port, true))

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "pin")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd.BlockReason != catalog.BlockExcessiveFines {
		t.Errorf("BlockReason = %q, want %q (fee_limit override)", pd.BlockReason, catalog.BlockExcessiveFines)
	}
}

func TestRemoteAuthenticateSkipsBlockWhenPatronStatusBlockDisabled(t *testing.T) {
	status := "    Y         "
	host, port := fakeSIPServer(t, status[:14], "AOinst|AAjdoe|BLY|CQY|BV0.00|")
	p := NewProvider(testSettings(host, port, false))

	pd, err := p.RemoteAuthenticate(context.Background(), "jdoe", "pin")
	if err != nil {
		t.Fatalf("RemoteAuthenticate: %v", err)
	}
	if pd.IsBlocked() {
		t.Errorf("expected not blocked when PatronStatusBlock is disabled, got %q", pd.BlockReason)
	}
}
