package fsd

import (
	"bufio"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"server ident", ServerIdent{From: "SERVER", To: "CLIENT", Version: Version},
			"$DISERVER:CLIENT:VATSIM FSD V3.14:"},
		{"position", Position{Callsign: "DAL42", Squawk: "4512", Rating: 1, Latitude: 42.3, Longitude: -71.0,
			Altitude: 5000, GroundSpeed: 250, Heading: 90},
			"@N:DAL42:4512:1:42.30000:-71.00000:5000:250:1024:0"},
		{"flight plan", FlightPlan{Callsign: "DAL42", Rules: "I", Equipment: "B739", Speed: 452, Origin: "KBOS",
			Altitude: 35000, Destination: "KATL", Remarks: "/v/ Hex A1B2C3", Route: "SSOXS5 SSOXS"},
			"$FPDAL42::I:B739:452:KBOS:0:0:35000:KATL:0:0:0:0::/v/ Hex A1B2C3:SSOXS5 SSOXS"},
		{"beacon code", BeaconCode{From: "SERVER", To: "BOS_APP", Callsign: "DAL42", Code: "0101"},
			"#PCSERVER:BOS_APP:CCP:BC:DAL42:0101"},
		{"metar", Metar{From: "SERVER", To: "BOS_APP", Text: "KBOS 011254Z 28012KT"},
			"$ARSERVER:BOS_APP:METAR:KBOS 011254Z 28012KT"},
		{"atc validation", ATCValidation{From: "SERVER", To: "BOS_APP", Valid: true},
			"$CRSERVER:BOS_APP:ATC:Y"},
		{"atc validation with target", ATCValidation{From: "SERVER", To: "BOS_TWR", Valid: true, Target: "BOS_TWR"},
			"$CRSERVER:BOS_TWR:ATC:Y:BOS_TWR"},
		{"plane info", PlaneInfo{From: "DAL42", To: "BOS_APP", Equipment: "B739", Airline: "DAL"},
			"#SBDAL42:BOS_APP:PI:GEN:EQUIPMENT=B739:AIRLINE=DAL"},
		{"plane info without airline", PlaneInfo{From: "N123AB", To: "BOS_APP", Equipment: "C172"},
			"#SBN123AB:BOS_APP:PI:GEN:EQUIPMENT=C172"},
		{"delete pilot", DeletePilot{Callsign: "DAL42"}, "#DPDAL42:0"},
		{"error", ErrorMessage{From: "SERVER", To: "unknown", Code: ErrCodeSyntax, Text: "Syntax error"},
			"$ERSERVER:unknown:004::Syntax error"},
		{"text", TextMessage{From: "SERVER", To: "BOS_APP", Text: "Welcome: 3 aircraft"},
			"#TMSERVER:BOS_APP:Welcome: 3 aircraft"},
		{"colons in values", Metar{From: "SERVER", To: "X", Text: "a:b\r\nc"},
			"$ARSERVER:X:METAR:a b  c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Everything the server emits must parse back to the same message.
func TestEncodeParseConsistency(t *testing.T) {
	msgs := []Message{
		ServerIdent{From: "SERVER", To: "CLIENT", Version: Version},
		Position{Mode: "N", Callsign: "DAL42", Squawk: "4512", Rating: 1, Latitude: 42.5, Longitude: -71.25,
			Altitude: 5000, GroundSpeed: 250, Heading: 180},
		FlightPlan{Callsign: "DAL42", Rules: "V", Equipment: "C172", Origin: "KBED", Destination: "KBOS",
			Remarks: "/v/ Hex ABC123"},
		BeaconCode{From: "SERVER", To: "BOS_APP", Callsign: "DAL42", Code: "0101"},
		Metar{From: "SERVER", To: "BOS_APP", Text: "KBOS 011254Z 28012KT 10SM FEW250 19/06 A3001"},
		ATCValidation{From: "SERVER", To: "BOS_APP", Valid: true, Target: "BOS_APP"},
		PlaneInfo{From: "DAL42", To: "BOS_APP", Equipment: "B739", Airline: "DAL"},
		DeletePilot{Callsign: "DAL42"},
		ErrorMessage{From: "SERVER", To: "BOS_APP", Code: ErrCodeCallsignInvalid, Param: "x", Text: "Invalid callsign"},
		TextMessage{From: "SERVER", To: "BOS_APP", Text: "hello"},
		// Client to server
		AddATC{Callsign: "BOS_APP", To: "SERVER", RealName: "Jane Doe", CID: "1234567", Password: "pw", Rating: 5, Protocol: 9},
		ClientIdent{Callsign: "BOS_APP", To: "SERVER", ClientID: "85b4", ClientName: "EuroScope", CID: "1234567"},
		MetarRequest{From: "BOS_APP", To: "SERVER", Station: "KBOS"},
		FlightPlanQuery{From: "BOS_APP", To: "SERVER", Target: "DAL42"},
		ATCQuery{From: "BOS_APP", To: "SERVER", Target: "BOS_APP"},
		ATCQuery{From: "BOS_APP", To: "SERVER"},
		PlaneInfoRequest{From: "BOS_APP", To: "DAL42"},
		DeleteATC{Callsign: "BOS_APP"},
		ATCPosition{Callsign: "BOS_APP", Frequency: "18500", Facility: 5, Range: 150, Rating: 5, Latitude: 42.25, Longitude: -71.5},
	}

	for _, m := range msgs {
		line := m.Encode()
		t.Run(line, func(t *testing.T) {
			got, err := Parse(line + "\r\n")
			if err != nil {
				t.Fatalf("Parse(%q): %v", line, err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("Parse(%q) = %#v, want %#v", line, got, m)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("Pilot login", func(t *testing.T) {
		m, err := Parse("#APN123AB:SERVER:1234567:pw:1:9:16:John Smith KBOS")
		if err != nil {
			t.Fatal(err)
		}
		if ap, ok := m.(AddPilot); !ok || ap.Callsign != "N123AB" {
			t.Errorf("Expected AddPilot, got %#v", m)
		}
	})

	t.Run("Flight level altitude", func(t *testing.T) {
		m, err := Parse("$FPDAL42:SERVER:I:B739:452:KBOS:1400:0:FL350:KATL:2:55:4:10:KCLT:/v/:SSOXS5")
		if err != nil {
			t.Fatal(err)
		}
		fp := m.(FlightPlan)
		if fp.Altitude != 35000 || fp.EnrouteHours != 2 || fp.EnrouteMinutes != 55 || fp.Alternate != "KCLT" {
			t.Errorf("Unexpected plan %+v", fp)
		}
	})

	t.Run("Unknown type", func(t *testing.T) {
		m, err := Parse("$HOBOS_APP:BOS_TWR:DAL42")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := m.(Unknown); !ok {
			t.Errorf("Expected Unknown, got %#v", m)
		}
	})

	t.Run("Unhandled client query", func(t *testing.T) {
		m, err := Parse("$CQBOS_APP:SERVER:CAPS")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := m.(Unknown); !ok {
			t.Errorf("Expected Unknown, got %#v", m)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if _, err := Parse("\r\n"); !errors.Is(err, ErrEmptyLine) {
			t.Errorf("Expected ErrEmptyLine, got %v", err)
		}
	})

	malformed := []string{
		"#AABOS_APP:SERVER:Jane",                        // too few fields
		"#AABOS_APP:SERVER:Jane:123:pw:five",            // bad rating
		"#AABOS_APP:SERVER:Jane:123:pw:5:x",             // bad protocol
		"@N:DAL42:4512:1:95.0:-71.0:5000:250:0:0",       // latitude out of range
		"@Q:DAL42:4512:1:42.0:-71.0:5000:250:0:0",       // bad mode
		"@N:DAL42:4512:1:42.0:-71.0:high:250:0:0",       // bad altitude
		"$FPDAL42::Z:B739:452:KBOS:0:0:35000:KATL:0:0:0:0::x:y", // bad rules
		"$FPDAL42::I:B739",                              // short plan
		"$AXBOS_APP:SERVER:METAR: ",                     // empty station
		"$CQBOS_APP:SERVER:FP",                          // FP query without target
		"$CRSERVER:BOS_APP:ATC:maybe",                   // bad validation flag
		"%BOS_APP:18500:x:150:5:42.0:-71.0",             // bad facility
	}
	for _, line := range malformed {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			var mme MalformedMessageError
			if !errors.As(err, &mme) {
				t.Errorf("Expected MalformedMessageError, got %v", err)
			}
		})
	}
}

func TestPBH(t *testing.T) {
	for _, hdg := range []float64{0, 45, 90, 180, 270, 359} {
		got := DecodePBH(EncodePBH(hdg))
		if math.Abs(got-hdg) > 360.0/1024 {
			t.Errorf("heading %v round-tripped to %v", hdg, got)
		}
	}
	if EncodePBH(90) != 256<<2 {
		t.Errorf("Expected 1024 for heading 90, got %d", EncodePBH(90))
	}
	if EncodePBH(-90) != EncodePBH(270) || EncodePBH(360) != 0 {
		t.Error("Headings should wrap")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    AddATC
		code int
	}{
		{"ok", AddATC{Callsign: "BOS_APP", Rating: 5}, -1},
		{"ok with protocol", AddATC{Callsign: "BOS_APP", Rating: 5, Protocol: 100}, -1},
		{"lower-case callsign", AddATC{Callsign: "bos_app", Rating: 5}, ErrCodeCallsignInvalid},
		{"too short", AddATC{Callsign: "B", Rating: 5}, ErrCodeCallsignInvalid},
		{"bad rating", AddATC{Callsign: "BOS_APP", Rating: 0}, ErrCodeLevelTooHigh},
		{"bad protocol", AddATC{Callsign: "BOS_APP", Rating: 5, Protocol: 3}, ErrCodeRevision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.code < 0 {
				if err != nil {
					t.Errorf("Unexpected error %v", err)
				}
				return
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Code != tt.code {
				t.Errorf("Expected code %d, got %v", tt.code, err)
			}
		})
	}
}

func TestFrameAndScanner(t *testing.T) {
	data := Frame(DeletePilot{Callsign: "A"}, DeletePilot{Callsign: "B"})
	if string(data) != "#DPA:0\r\n#DPB:0\r\n" {
		t.Errorf("Unexpected frame %q", data)
	}

	sc := NewScanner(strings.NewReader(string(data) + "#DAX\n"))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if !reflect.DeepEqual(lines, []string{"#DPA:0", "#DPB:0", "#DAX"}) {
		t.Errorf("Unexpected lines %q", lines)
	}

	long := strings.Repeat("x", MaxLineLength+10) + "\r\n"
	sc = NewScanner(strings.NewReader(long))
	for sc.Scan() {
	}
	if !errors.Is(sc.Err(), bufio.ErrTooLong) {
		t.Errorf("Expected ErrTooLong, got %v", sc.Err())
	}
}
