package fsd

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var callsignRegexp = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{1,14}$`)

// ValidCallsign reports whether cs is acceptable as a network callsign.
func ValidCallsign(cs string) bool {
	return callsignRegexp.MatchString(cs)
}

///////////////////////////////////////////////////////////////////////////
// Login and session

// ServerIdent is the banner sent on connect:
// $DI(server):CLIENT:(version):
type ServerIdent struct {
	From    string
	To      string
	Version string
}

func (m ServerIdent) Encode() string {
	return fmt.Sprintf("$DI%s:%s:%s:", clean(m.From), clean(m.To), clean(m.Version))
}

func parseServerIdent(sender string, f []string) (Message, error) {
	return ServerIdent{From: sender, To: f[1], Version: f[2]}, nil
}

// ClientIdent identifies the client software:
// $ID(callsign):SERVER:(client id):(client name):(major):(minor):(cid):(sysuid)...
type ClientIdent struct {
	Callsign   string
	To         string
	ClientID   string
	ClientName string
	CID        string
}

func (m ClientIdent) Encode() string {
	return fmt.Sprintf("$ID%s:%s:%s:%s:3:2:%s:0", clean(m.Callsign), clean(m.To), clean(m.ClientID),
		clean(m.ClientName), clean(m.CID))
}

func parseClientIdent(sender string, f []string) (Message, error) {
	m := ClientIdent{Callsign: sender, To: f[1], ClientID: f[2]}
	if len(f) > 3 {
		m.ClientName = f[3]
	}
	if len(f) > 6 {
		m.CID = f[6]
	}
	return m, nil
}

// AddATC is a controller login:
// #AA(callsign):SERVER:(real name):(cid):(password):(rating)[:(protocol)]
type AddATC struct {
	Callsign string
	To       string
	RealName string
	CID      string
	Password string
	Rating   int
	Protocol int // 0 when absent
}

func (m AddATC) Encode() string {
	s := fmt.Sprintf("#AA%s:%s:%s:%s:%s:%d", clean(m.Callsign), clean(m.To), clean(m.RealName),
		clean(m.CID), clean(m.Password), m.Rating)
	if m.Protocol != 0 {
		s += ":" + strconv.Itoa(m.Protocol)
	}
	return s
}

func parseAddATC(sender string, f []string) (Message, error) {
	m := AddATC{Callsign: sender, To: f[1], RealName: f[2], CID: f[3], Password: f[4]}

	var err error
	if m.Rating, err = strconv.Atoi(f[5]); err != nil {
		return nil, MalformedMessageError{"Unable to parse rating: " + f[5]}
	}
	if len(f) > 6 && f[6] != "" {
		if m.Protocol, err = strconv.Atoi(f[6]); err != nil {
			return nil, MalformedMessageError{"Unable to parse protocol revision: " + f[6]}
		}
	}
	return m, nil
}

// Validate checks a controller login. Rejections carry the FSD error code
// the client should be sent.
func (m AddATC) Validate() error {
	if !ValidCallsign(m.Callsign) {
		return &ProtocolError{Code: ErrCodeCallsignInvalid, Param: m.Callsign, Msg: "Invalid callsign"}
	}
	if m.Rating < 1 || m.Rating > 12 {
		return &ProtocolError{Code: ErrCodeLevelTooHigh, Param: m.Callsign, Msg: "Invalid controller rating"}
	}
	if m.Protocol != 0 && (m.Protocol < 9 || m.Protocol > 100) {
		return &ProtocolError{Code: ErrCodeRevision, Param: m.Callsign, Msg: "Unsupported protocol revision"}
	}
	return nil
}

// AddPilot is a pilot login; this server only accepts controllers.
type AddPilot struct {
	Callsign string
	To       string
}

func (m AddPilot) Encode() string {
	return fmt.Sprintf("#AP%s:%s", clean(m.Callsign), clean(m.To))
}

func parseAddPilot(sender string, f []string) (Message, error) {
	return AddPilot{Callsign: sender, To: f[1]}, nil
}

// DeleteATC is a controller logoff: #DA(callsign)[:(cid)]
type DeleteATC struct {
	Callsign string
}

func (m DeleteATC) Encode() string { return "#DA" + clean(m.Callsign) }

func parseDeleteATC(sender string, f []string) (Message, error) {
	return DeleteATC{Callsign: sender}, nil
}

// DeletePilot removes an aircraft from the client's scope: #DP(callsign):(cid)
type DeletePilot struct {
	Callsign string
}

func (m DeletePilot) Encode() string { return "#DP" + clean(m.Callsign) + ":0" }

func parseDeletePilot(sender string, f []string) (Message, error) {
	return DeletePilot{Callsign: sender}, nil
}

// ErrorMessage is $ER(from):(to):(code):(param):(text)
type ErrorMessage struct {
	From  string
	To    string
	Code  int
	Param string
	Text  string
}

func (m ErrorMessage) Encode() string {
	return fmt.Sprintf("$ER%s:%s:%03d:%s:%s", clean(m.From), clean(m.To), m.Code, clean(m.Param), clean(m.Text))
}

func parseError(sender string, f []string) (Message, error) {
	code, err := strconv.Atoi(f[2])
	if err != nil {
		return nil, MalformedMessageError{"Unable to parse error code: " + f[2]}
	}
	return ErrorMessage{From: sender, To: f[1], Code: code, Param: f[3], Text: strings.Join(f[4:], ":")}, nil
}

// TextMessage is #TM(from):(to):(text)
type TextMessage struct {
	From string
	To   string
	Text string
}

func (m TextMessage) Encode() string {
	return fmt.Sprintf("#TM%s:%s:%s", clean(m.From), clean(m.To), strings.NewReplacer("\r", " ", "\n", " ").Replace(m.Text))
}

func parseTextMessage(sender string, f []string) (Message, error) {
	// Text may itself contain colons
	return TextMessage{From: sender, To: f[1], Text: strings.Join(f[2:], ":")}, nil
}

// ATCPosition is a controller's periodic position report:
// %(callsign):(frequency):(facility):(visibility range):(rating):(lat):(lon)[:(elevation)]
type ATCPosition struct {
	Callsign  string
	Frequency string
	Facility  int
	Range     int
	Rating    int
	Latitude  float64
	Longitude float64
}

func (m ATCPosition) Encode() string {
	return fmt.Sprintf("%%%s:%s:%d:%d:%d:%s:%s:0", clean(m.Callsign), clean(m.Frequency), m.Facility,
		m.Range, m.Rating, formatCoord(m.Latitude), formatCoord(m.Longitude))
}

func parseATCPosition(sender string, f []string) (Message, error) {
	m := ATCPosition{Callsign: strings.TrimSpace(sender), Frequency: f[1]}
	var err error
	if m.Facility, err = strconv.Atoi(f[2]); err != nil {
		return nil, MalformedMessageError{"Malformed facility: " + f[2]}
	}
	if m.Range, err = strconv.Atoi(f[3]); err != nil {
		return nil, MalformedMessageError{"Invalid scope range: " + f[3]}
	}
	if m.Rating, err = strconv.Atoi(f[4]); err != nil {
		return nil, MalformedMessageError{"Invalid rating: " + f[4]}
	}
	if m.Latitude, m.Longitude, err = parseLatitudeLongitude(f[5], f[6]); err != nil {
		return nil, err
	}
	return m, nil
}

///////////////////////////////////////////////////////////////////////////
// Traffic

// Position is an aircraft position update:
// @(mode):(callsign):(squawk):(rating):(lat):(lon):(alt):(groundspeed):(pbh):(pressure delta)
type Position struct {
	Mode        string // "N" (mode C), "S" (standby) or "Y" (ident)
	Callsign    string
	Squawk      string
	Rating      int
	Latitude    float64
	Longitude   float64
	Altitude    int
	GroundSpeed int
	Heading     float64
}

func (m Position) Encode() string {
	mode := m.Mode
	if mode == "" {
		mode = "N"
	}
	return fmt.Sprintf("@%s:%s:%s:%d:%s:%s:%d:%d:%d:0", mode, clean(m.Callsign), clean(m.Squawk), m.Rating,
		formatCoord(m.Latitude), formatCoord(m.Longitude), m.Altitude, m.GroundSpeed, EncodePBH(m.Heading))
}

func parsePosition(mode string, f []string) (Message, error) {
	switch mode {
	case "N", "S", "Y":
	default:
		return nil, MalformedMessageError{"Unexpected squawk type: " + f[0]}
	}

	m := Position{Mode: mode, Callsign: f[1], Squawk: f[2]}

	var err error
	if m.Rating, err = strconv.Atoi(f[3]); err != nil {
		return nil, MalformedMessageError{"Error parsing rating in update: " + f[3]}
	}
	if m.Latitude, m.Longitude, err = parseLatitudeLongitude(f[4], f[5]); err != nil {
		return nil, err
	}
	if m.Altitude, err = strconv.Atoi(f[6]); err != nil {
		return nil, MalformedMessageError{"Error parsing altitude in update: " + f[6]}
	}
	if m.GroundSpeed, err = strconv.Atoi(f[7]); err != nil {
		return nil, MalformedMessageError{"Error parsing ground speed in update: " + f[7]}
	}
	pbh, err := strconv.ParseInt(f[8], 10, 64)
	if err != nil {
		return nil, MalformedMessageError{"Error parsing flight surfaces in update: " + f[8]}
	}
	if _, err = strconv.Atoi(f[9]); err != nil {
		return nil, MalformedMessageError{"Error parsing pressure in update: " + f[9]}
	}
	m.Heading = DecodePBH(pbh)
	return m, nil
}

// EncodePBH packs a heading into the pitch/bank/heading word with zero
// pitch and bank. Heading occupies bits 2..11 in 1024ths of a circle.
func EncodePBH(heading float64) int64 {
	h := math.Mod(heading, 360)
	if h < 0 {
		h += 360
	}
	return int64(h/360*1024) << 2
}

// DecodePBH extracts the heading in degrees from a pitch/bank/heading word.
func DecodePBH(pbh int64) float64 {
	return float64((uint64(pbh)>>2)&0x3ff) / 1024 * 360
}

// FlightPlan is
// $FP(callsign):(to):(rules):(equipment):(speed):(origin):(dep est):(dep actual):(altitude):
// (destination):(enroute h):(enroute m):(fuel h):(fuel m):(alternate):(remarks):(route)
type FlightPlan struct {
	Callsign        string
	To              string
	Rules           string // I, V, D or S
	Equipment       string
	Speed           int
	Origin          string
	DepartureTime   int
	ActualDeparture int
	Altitude        int
	Destination     string
	EnrouteHours    int
	EnrouteMinutes  int
	FuelHours       int
	FuelMinutes     int
	Alternate       string
	Remarks         string
	Route           string
}

func (m FlightPlan) Encode() string {
	rules := m.Rules
	if rules == "" {
		rules = "I"
	}
	return fmt.Sprintf("$FP%s:%s:%s:%s:%d:%s:%d:%d:%d:%s:%d:%d:%d:%d:%s:%s:%s",
		clean(m.Callsign), clean(m.To), rules, clean(m.Equipment), m.Speed, clean(m.Origin),
		m.DepartureTime, m.ActualDeparture, m.Altitude, clean(m.Destination),
		m.EnrouteHours, m.EnrouteMinutes, m.FuelHours, m.FuelMinutes,
		clean(m.Alternate), clean(m.Remarks), clean(m.Route))
}

func parseFlightPlan(sender string, f []string) (Message, error) {
	m := FlightPlan{Callsign: sender, To: f[1]}

	switch f[2] {
	case "I", "V", "D", "S":
		m.Rules = f[2]
	default:
		return nil, MalformedMessageError{"Unexpected flight rules: " + f[2]}
	}

	m.Equipment = f[3]

	ints := []struct {
		dst  *int
		idx  int
		what string
	}{
		{&m.Speed, 4, "cruise airspeed"},
		{&m.DepartureTime, 6, "departTime"},
		{&m.ActualDeparture, 7, "actual departTime"},
		{&m.EnrouteHours, 10, "enroute hours"},
		{&m.EnrouteMinutes, 11, "enroute minutes"},
		{&m.FuelHours, 12, "fuel hours"},
		{&m.FuelMinutes, 13, "fuel minutes"},
	}
	for _, v := range ints {
		n, err := atoiOrZero(f[v.idx])
		if err != nil {
			return nil, MalformedMessageError{"Unable to parse " + v.what + ": " + f[v.idx]}
		}
		*v.dst = n
	}

	m.Origin = f[5]

	if alt := f[8]; alt != "" {
		if strings.HasPrefix(strings.ToUpper(alt), "FL") {
			fl, err := strconv.Atoi(alt[2:])
			if err != nil {
				return nil, MalformedMessageError{"Unable to parse altitude: " + alt}
			}
			m.Altitude = fl * 100
		} else if a, err := strconv.Atoi(alt); err != nil {
			return nil, MalformedMessageError{"Unable to parse altitude: " + alt}
		} else {
			m.Altitude = a
		}
	}

	m.Destination = f[9]
	m.Alternate = f[14]
	m.Remarks = f[15]
	m.Route = strings.Join(f[16:], ":")
	return m, nil
}

// BeaconCode assigns a transponder code:
// #PC(from):(to):CCP:BC:(callsign):(code)
type BeaconCode struct {
	From     string
	To       string
	Callsign string
	Code     string
}

func (m BeaconCode) Encode() string {
	return fmt.Sprintf("#PC%s:%s:CCP:BC:%s:%s", clean(m.From), clean(m.To), clean(m.Callsign), clean(m.Code))
}

func parseBeaconCode(sender string, f []string) (Message, error) {
	return BeaconCode{From: sender, To: f[1], Callsign: f[4], Code: f[5]}, nil
}

// PlaneInfoRequest asks for an aircraft's type: #SB(from):(aircraft):PI
type PlaneInfoRequest struct {
	From string
	To   string
}

func (m PlaneInfoRequest) Encode() string {
	return fmt.Sprintf("#SB%s:%s:PI", clean(m.From), clean(m.To))
}

func parsePlaneInfoRequest(sender string, f []string) (Message, error) {
	return PlaneInfoRequest{From: sender, To: f[1]}, nil
}

// PlaneInfo answers a PlaneInfoRequest on behalf of an aircraft:
// #SB(aircraft):(to):PI:GEN:EQUIPMENT=(type)[:AIRLINE=(icao)]
type PlaneInfo struct {
	From      string
	To        string
	Equipment string
	Airline   string
}

func (m PlaneInfo) Encode() string {
	s := fmt.Sprintf("#SB%s:%s:PI:GEN:EQUIPMENT=%s", clean(m.From), clean(m.To), clean(m.Equipment))
	if m.Airline != "" {
		s += ":AIRLINE=" + clean(m.Airline)
	}
	return s
}

func parsePlaneInfo(sender string, f []string) (Message, error) {
	m := PlaneInfo{From: sender, To: f[1]}
	for _, kv := range f[4:] {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "EQUIPMENT":
			m.Equipment = v
		case "AIRLINE":
			m.Airline = v
		}
	}
	return m, nil
}

///////////////////////////////////////////////////////////////////////////
// Queries

// MetarRequest is $AX(from):SERVER:METAR:(station)
type MetarRequest struct {
	From    string
	To      string
	Station string
}

func (m MetarRequest) Encode() string {
	return fmt.Sprintf("$AX%s:%s:METAR:%s", clean(m.From), clean(m.To), clean(m.Station))
}

func parseMetarRequest(sender string, f []string) (Message, error) {
	station := strings.ToUpper(strings.TrimSpace(f[3]))
	if station == "" {
		return nil, MalformedMessageError{"Empty METAR station"}
	}
	return MetarRequest{From: sender, To: f[1], Station: station}, nil
}

// Metar is the response to a MetarRequest: $AR(from):(to):METAR:(text)
type Metar struct {
	From string
	To   string
	Text string
}

func (m Metar) Encode() string {
	return fmt.Sprintf("$AR%s:%s:METAR:%s", clean(m.From), clean(m.To), clean(m.Text))
}

func parseMetar(sender string, f []string) (Message, error) {
	return Metar{From: sender, To: f[1], Text: strings.Join(f[3:], ":")}, nil
}

// FlightPlanQuery is $CQ(from):(to):FP:(callsign)
type FlightPlanQuery struct {
	From   string
	To     string
	Target string
}

func (m FlightPlanQuery) Encode() string {
	return fmt.Sprintf("$CQ%s:%s:FP:%s", clean(m.From), clean(m.To), clean(m.Target))
}

func parseFlightPlanQuery(sender string, f []string) (Message, error) {
	return FlightPlanQuery{From: sender, To: f[1], Target: f[3]}, nil
}

// ATCQuery asks whether a callsign is a valid controller:
// $CQ(from):(to):ATC[:(callsign)]
type ATCQuery struct {
	From   string
	To     string
	Target string
}

func (m ATCQuery) Encode() string {
	s := fmt.Sprintf("$CQ%s:%s:ATC", clean(m.From), clean(m.To))
	if m.Target != "" {
		s += ":" + clean(m.Target)
	}
	return s
}

func parseATCQuery(sender string, f []string) (Message, error) {
	m := ATCQuery{From: sender, To: f[1]}
	if len(f) > 3 {
		m.Target = f[3]
	}
	return m, nil
}

// ATCValidation answers an ATCQuery: $CR(from):(to):ATC:(Y|N)[:(callsign)]
type ATCValidation struct {
	From   string
	To     string
	Valid  bool
	Target string
}

func (m ATCValidation) Encode() string {
	yn := "N"
	if m.Valid {
		yn = "Y"
	}
	s := fmt.Sprintf("$CR%s:%s:ATC:%s", clean(m.From), clean(m.To), yn)
	if m.Target != "" {
		s += ":" + clean(m.Target)
	}
	return s
}

func parseATCValidation(sender string, f []string) (Message, error) {
	m := ATCValidation{From: sender, To: f[1]}
	switch f[3] {
	case "Y":
		m.Valid = true
	case "N":
	default:
		return nil, MalformedMessageError{"Unexpected ATC validation: " + f[3]}
	}
	if len(f) > 4 {
		m.Target = f[4]
	}
	return m, nil
}

///////////////////////////////////////////////////////////////////////////
// Helpers

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}

func parseLatitudeLongitude(lat, lon string) (float64, float64, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return 0, 0, MalformedMessageError{"Invalid latitude: " + lat}
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil || lo < -180 || lo > 180 {
		return 0, 0, MalformedMessageError{"Invalid longitude: " + lon}
	}
	return la, lo, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
