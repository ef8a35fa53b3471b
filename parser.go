package nimbus

import (
	"strconv"
)

// parseOp names the protocol verb a completed event carries.
type parseOp int

const (
	opNone parseOp = iota
	opInfo
	opMsg
	opHMsg
	opPing
	opPong
	opOK
	opErr
)

// protoEvent is one fully-parsed inbound frame. The parser produces zero or
// more of these per Parse call; a MSG/HMSG payload that straddles a read
// boundary yields zero events until the remainder arrives.
type protoEvent struct {
	op      parseOp
	info    []byte // raw INFO json
	errText string

	subject string
	sid     uint64
	reply   string
	header  []byte // raw header block, HMSG only
	payload []byte
}

// parser states. Byte-at-a-time state machine so an op may span reads
// without the caller needing to buffer whole frames (spec.md §4.1).
type pstate int

const (
	psOpStart pstate = iota
	psOpI
	psOpIN
	psOpINF
	psOpINFO
	psOpINFOSpc
	psInfoArg
	psOpM
	psOpMS
	psOpMSG
	psOpMSGSpc
	psOpH
	psOpHM
	psOpHMS
	psOpHMSG
	psOpHMSGSpc
	psMsgArg
	psMsgPayload
	psMsgEnd
	psOpP
	psOpPI
	psOpPIN
	psOpPING
	psOpPO
	psOpPON
	psOpPONG
	psOpPlus
	psOpPlusO
	psOpPlusOK
	psOpMinus
	psOpMinusE
	psOpMinusER
	psOpMinusERR
	psOpMinusERRSpc
	psErrArg
	psAlmostEOL // saw \r, awaiting \n
)

// msgArg fields accumulated while scanning a MSG/HMSG argument line.
type msgArg struct {
	subject  []byte
	sid      []byte
	reply    []byte
	hdrSize  []byte
	size     []byte
	fieldIdx int
	isHeader bool
}

// Parser holds state across Parse calls so a single TCP read boundary never
// loses or reorders data (Testable Property 2).
type Parser struct {
	state    pstate
	afterCRLF pstate // state to resume after swallowing \r\n

	arg    msgArg
	argBuf []byte // accumulates the MSG/HMSG argument line across reads

	infoBuf []byte
	errBuf  []byte

	// payload accumulation for MSG/HMSG
	hdrWant  int
	totWant  int
	payWant  int // remaining payload bytes (including trailing \r\n)
	payBuf   []byte
	hdrBuf   []byte
	havePendingMsg bool
	pendingEvt protoEvent
}

// NewParser returns a fresh Parser instance.
func NewParser() *Parser { return &Parser{state: psOpStart} }

// Parse consumes buf and returns the events it completed. It never blocks.
// Payload bytes are accumulated in the parser's own buffer and the
// completed payload is then cloned into the event, so the caller's read
// buffer can be reused immediately after Parse returns.
func (p *Parser) Parse(buf []byte) ([]protoEvent, error) {
	var events []protoEvent
	i := 0
	n := len(buf)

	for i < n {
		b := buf[i]

		if p.state == psMsgPayload {
			want := p.payWant
			have := n - i
			take := want
			if have < take {
				take = have
			}
			p.payBuf = append(p.payBuf, buf[i:i+take]...)
			i += take
			p.payWant -= take
			if p.payWant == 0 {
				evt, err := p.finishMsg()
				if err != nil {
					return events, err
				}
				events = append(events, evt)
				p.state = psOpStart
			}
			continue
		}

		switch p.state {
		case psOpStart:
			switch upper(b) {
			case 'I':
				p.state = psOpI
			case 'M':
				p.state = psOpM
			case 'H':
				p.state = psOpH
			case 'P':
				p.state = psOpP
			case '+':
				p.state = psOpPlus
			case '-':
				p.state = psOpMinus
			case '\r', '\n':
				// idle between frames
			default:
				return events, errf(ErrProtocol, "unexpected byte %q at start of op", b)
			}

		case psOpI:
			if upper(b) != 'N' {
				return events, errf(ErrProtocol, "malformed INFO op")
			}
			p.state = psOpIN
		case psOpIN:
			if upper(b) != 'F' {
				return events, errf(ErrProtocol, "malformed INFO op")
			}
			p.state = psOpINF
		case psOpINF:
			if upper(b) != 'O' {
				return events, errf(ErrProtocol, "malformed INFO op")
			}
			p.state = psOpINFO
		case psOpINFO:
			if b != ' ' && b != '\t' {
				return events, errf(ErrProtocol, "expected space after INFO")
			}
			p.state = psOpINFOSpc
		case psOpINFOSpc:
			if b == ' ' || b == '\t' {
				break
			}
			p.infoBuf = p.infoBuf[:0]
			p.state = psInfoArg
			continue
		case psInfoArg:
			if b == '\r' {
				p.afterCRLF = psOpStart
				p.state = psAlmostEOL
				events = append(events, protoEvent{op: opInfo, info: cloneBytes(p.infoBuf)})
				break
			}
			p.infoBuf = append(p.infoBuf, b)

		case psOpM:
			switch upper(b) {
			case 'S':
				p.state = psOpMS
			default:
				return events, errf(ErrProtocol, "malformed MSG op")
			}
		case psOpMS:
			if upper(b) != 'G' {
				return events, errf(ErrProtocol, "malformed MSG op")
			}
			p.state = psOpMSG
		case psOpMSG:
			if b != ' ' && b != '\t' {
				return events, errf(ErrProtocol, "expected space after MSG")
			}
			p.resetArg(false)
			p.state = psMsgArg
			continue

		case psOpH:
			if upper(b) != 'M' {
				return events, errf(ErrProtocol, "malformed HMSG op")
			}
			p.state = psOpHM
		case psOpHM:
			if upper(b) != 'S' {
				return events, errf(ErrProtocol, "malformed HMSG op")
			}
			p.state = psOpHMS
		case psOpHMS:
			if upper(b) != 'G' {
				return events, errf(ErrProtocol, "malformed HMSG op")
			}
			p.state = psOpHMSG
		case psOpHMSG:
			if b != ' ' && b != '\t' {
				return events, errf(ErrProtocol, "expected space after HMSG")
			}
			p.resetArg(true)
			p.state = psMsgArg
			continue

		case psMsgArg:
			if b == '\r' {
				if err := p.finishArgLine(); err != nil {
					return events, err
				}
				p.afterCRLF = psMsgPayload
				p.state = psAlmostEOL
				break
			}
			p.argBuf = append(p.argBuf, b)

		case psOpP:
			switch upper(b) {
			case 'I':
				p.state = psOpPI
			case 'O':
				p.state = psOpPO
			default:
				return events, errf(ErrProtocol, "malformed P.. op")
			}
		case psOpPI:
			if upper(b) != 'N' {
				return events, errf(ErrProtocol, "malformed PING op")
			}
			p.state = psOpPIN
		case psOpPIN:
			if upper(b) != 'G' {
				return events, errf(ErrProtocol, "malformed PING op")
			}
			p.state = psOpPING
		case psOpPING:
			if b != '\r' {
				return events, errf(ErrProtocol, "malformed PING terminator")
			}
			p.afterCRLF = psOpStart
			p.state = psAlmostEOL
			events = append(events, protoEvent{op: opPing})

		case psOpPO:
			if upper(b) != 'N' {
				return events, errf(ErrProtocol, "malformed PONG op")
			}
			p.state = psOpPON
		case psOpPON:
			if upper(b) != 'G' {
				return events, errf(ErrProtocol, "malformed PONG op")
			}
			p.state = psOpPONG
		case psOpPONG:
			if b != '\r' {
				return events, errf(ErrProtocol, "malformed PONG terminator")
			}
			p.afterCRLF = psOpStart
			p.state = psAlmostEOL
			events = append(events, protoEvent{op: opPong})

		case psOpPlus:
			if upper(b) != 'O' {
				return events, errf(ErrProtocol, "malformed +OK op")
			}
			p.state = psOpPlusO
		case psOpPlusO:
			if upper(b) != 'K' {
				return events, errf(ErrProtocol, "malformed +OK op")
			}
			p.state = psOpPlusOK
		case psOpPlusOK:
			if b != '\r' {
				return events, errf(ErrProtocol, "malformed +OK terminator")
			}
			p.afterCRLF = psOpStart
			p.state = psAlmostEOL
			events = append(events, protoEvent{op: opOK})

		case psOpMinus:
			if upper(b) != 'E' {
				return events, errf(ErrProtocol, "malformed -ERR op")
			}
			p.state = psOpMinusE
		case psOpMinusE:
			if upper(b) != 'R' {
				return events, errf(ErrProtocol, "malformed -ERR op")
			}
			p.state = psOpMinusER
		case psOpMinusER:
			if upper(b) != 'R' {
				return events, errf(ErrProtocol, "malformed -ERR op")
			}
			p.state = psOpMinusERR
		case psOpMinusERR:
			if b != ' ' && b != '\t' {
				return events, errf(ErrProtocol, "expected space after -ERR")
			}
			p.state = psOpMinusERRSpc
		case psOpMinusERRSpc:
			if b == ' ' || b == '\t' {
				break
			}
			p.errBuf = p.errBuf[:0]
			p.state = psErrArg
			continue
		case psErrArg:
			if b == '\r' {
				p.afterCRLF = psOpStart
				p.state = psAlmostEOL
				events = append(events, protoEvent{op: opErr, errText: trimQuotes(string(p.errBuf))})
				break
			}
			p.errBuf = append(p.errBuf, b)

		case psAlmostEOL:
			if b != '\n' {
				return events, errf(ErrProtocol, "expected LF after CR, excerpt %q", excerpt(buf, i))
			}
			p.state = p.afterCRLF
		}

		i++
	}

	return events, nil
}

func (p *Parser) resetArg(isHeader bool) {
	p.argBuf = p.argBuf[:0]
	p.arg = msgArg{isHeader: isHeader}
}

// finishArgLine splits the accumulated MSG/HMSG argument line on spaces and
// validates/parses the numeric fields per spec.md §4.1.
func (p *Parser) finishArgLine() error {
	fields := splitArgs(p.argBuf)
	isHeader := p.arg.isHeader

	minFields, maxFields := 3, 4
	if isHeader {
		minFields, maxFields = 4, 5
	}
	if len(fields) < minFields || len(fields) > maxFields {
		return errf(ErrProtocol, "invalid number of arguments in %q", string(p.argBuf))
	}

	p.arg.subject = fields[0]
	p.arg.sid = fields[1]

	var sizeFields []string
	if len(fields) == minFields {
		sizeFields = fields[2:]
	} else {
		p.arg.reply = fields[2]
		sizeFields = fields[3:]
	}

	sid, err := strconv.ParseUint(string(p.arg.sid), 10, 64)
	if err != nil {
		return errf(ErrProtocol, "invalid sid %q", string(p.arg.sid))
	}

	var hdrSize, totSize int
	if isHeader {
		hdrSize, err = strconv.Atoi(string(sizeFields[0]))
		if err != nil || hdrSize < 0 {
			return errf(ErrProtocol, "invalid header size %q", string(sizeFields[0]))
		}
		totSize, err = strconv.Atoi(string(sizeFields[1]))
		if err != nil || totSize < 0 {
			return errf(ErrProtocol, "invalid total size %q", string(sizeFields[1]))
		}
		if hdrSize > totSize {
			return errf(ErrProtocol, "hdr_size %d exceeds total_size %d", hdrSize, totSize)
		}
	} else {
		totSize, err = strconv.Atoi(string(sizeFields[0]))
		if err != nil || totSize < 0 {
			return errf(ErrProtocol, "invalid size %q", string(sizeFields[0]))
		}
	}

	p.pendingEvt = protoEvent{
		op:      opMsg,
		subject: string(p.arg.subject),
		sid:     sid,
		reply:   string(p.arg.reply),
	}
	if isHeader {
		p.pendingEvt.op = opHMsg
	}

	p.hdrWant = hdrSize
	p.totWant = totSize
	// payload wait includes the trailing CRLF after the payload bytes.
	p.payWant = totSize + 2
	p.payBuf = p.payBuf[:0]
	p.hdrBuf = p.hdrBuf[:0]
	p.havePendingMsg = true
	return nil
}

func (p *Parser) finishMsg() (protoEvent, error) {
	if !p.havePendingMsg {
		return protoEvent{}, errf(ErrProtocol, "internal parser error: no pending message")
	}
	p.havePendingMsg = false

	data := p.payBuf
	if len(data) < 2 || data[len(data)-2] != '\r' || data[len(data)-1] != '\n' {
		return protoEvent{}, errf(ErrProtocol, "message payload missing trailing CRLF")
	}
	data = data[:len(data)-2]

	evt := p.pendingEvt
	if evt.op == opHMsg {
		if p.hdrWant > len(data) {
			return protoEvent{}, errf(ErrProtocol, "hdr_size exceeds framed payload")
		}
		evt.header = cloneBytes(data[:p.hdrWant])
		evt.payload = cloneBytes(data[p.hdrWant:])
	} else {
		evt.payload = cloneBytes(data)
	}
	return evt, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 32
	}
	return b
}

func splitArgs(line []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, b := range line {
		if b == ' ' || b == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// excerpt returns a short window around offset i in buf for error messages,
// per spec.md §4.1's "excerpt of the offending window" requirement.
func excerpt(buf []byte, i int) string {
	lo := i - 10
	if lo < 0 {
		lo = 0
	}
	hi := i + 10
	if hi > len(buf) {
		hi = len(buf)
	}
	return string(buf[lo:hi])
}
