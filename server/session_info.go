package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/ls"
)

// features is the FEAT list. Base commands are not repeated here.
var features = []string{
	"AVBL",
	"DSIZ",
	"REST STREAM",
	"RMDA",
}

func (s *session) handleNOOP(_ []string) {
	s.reply(200, "OK.")
}

func (s *session) handleSYST(_ []string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) handleFEAT(_ []string) {
	s.replyLines(211, "Features:", features, "End")
}

// handleHELP lists the registered verbs, or describes one.
func (s *session) handleHELP(args []string) {
	if len(args) == 1 {
		name := strings.ToUpper(args[0])
		v, ok := s.server.verbs.lookup(name)
		if !ok {
			s.reply(502, fmt.Sprintf("Unknown command %s.", name))
			return
		}
		s.reply(214, fmt.Sprintf("Syntax: %s %s", name, usage(v)))
		return
	}

	names := s.server.verbs.names()
	var rows []string
	for len(names) > 0 {
		n := min(8, len(names))
		row := make([]string, n)
		for i, name := range names[:n] {
			row[i] = fmt.Sprintf("%-5s", name)
		}
		rows = append(rows, strings.TrimRight(strings.Join(row, " "), " "))
		names = names[n:]
	}
	s.replyLines(214, "The following commands are recognized.", rows, "Help OK.")
}

// usage describes a verb's argument shape for HELP.
func usage(v *verb) string {
	switch {
	case v.max == 0:
		return "(no arguments)"
	case v.max < 0:
		return fmt.Sprintf("(%d or more arguments)", v.min)
	case v.min == v.max:
		return fmt.Sprintf("(%d argument(s))", v.min)
	default:
		return fmt.Sprintf("(%d-%d arguments)", v.min, v.max)
	}
}

// handleSTAT reports session status, or lists a path over the control
// connection.
func (s *session) handleSTAT(args []string) {
	if len(args) == 0 {
		s.replyLines(211, "FTP server status:", s.statusLines(), "End of status.")
		return
	}

	if s.state != stateAuthenticated {
		s.reply(530, "Not logged in.")
		return
	}

	p := listPath(args[0])
	res, err := s.runJail(jail.OpList, p)
	if err != nil {
		s.replyFSError(jail.OpList, p, err)
		return
	}
	text := ls.Long(res.Entries, newNameCache(s.server.accounts), time.Now())
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}
	s.replyLines(213, fmt.Sprintf("Status of %s:", res.Path), lines, "End of status.")
}

func (s *session) statusLines() []string {
	lines := []string{"Connected to " + s.redactIP(s.remoteIP)}
	if s.state == stateAuthenticated {
		lines = append(lines, "Logged in as "+s.username)
	} else {
		lines = append(lines, "Not logged in")
	}

	mode := "BINARY"
	if s.ascii {
		mode = "ASCII"
	}
	lines = append(lines, "TYPE: "+mode+", FORM: Nonprint; STRUcture: File; transfer MODE: Stream")

	if s.data != nil {
		lines = append(lines, "Data connection: "+s.data.Status())
	} else {
		lines = append(lines, "No data connection")
	}
	return lines
}

func (s *session) handleALLO(_ []string) {
	s.reply(202, "No storage allocation necessary.")
}

// handleAVBL reports the bytes available to the user at a path.
func (s *session) handleAVBL(args []string) {
	s.replySize(jail.OpAvailable, args)
}

// handleDSIZ reports the total size of the files under a directory.
func (s *session) handleDSIZ(args []string) {
	s.replySize(jail.OpDirSize, args)
}

func (s *session) replySize(op jail.Op, args []string) {
	p := ""
	if len(args) > 0 {
		p = args[0]
	}
	res, err := s.runJail(op, p)
	if err != nil {
		s.replyFSError(op, p, err)
		return
	}
	s.reply(213, strconv.FormatInt(res.Size, 10))
}
