package server

import (
	"fmt"
	"slices"
	"strings"
)

// handlerFunc runs one command for a session with its parsed arguments.
type handlerFunc func(s *session, args []string)

// verb describes how a command's arguments are parsed and which handler runs
// it. Descriptors are built once and shared by every session.
type verb struct {
	name string

	// auth reports whether the session must be logged in.
	auth bool

	// min and max bound the argument count. max < 0 means unbounded.
	min, max int

	// sep splits the remainder of the line into arguments.
	sep string

	// whole passes the remainder as a single argument instead of splitting.
	whole bool

	handler handlerFunc
}

type verbOption func(*verb)

// authRequired marks a verb as available only after login.
func authRequired(v *verb) { v.auth = true }

// wholeArg passes the rest of the line through unsplit.
func wholeArg(v *verb) { v.whole = true }

func argCount(min, max int) verbOption {
	return func(v *verb) {
		v.min = min
		v.max = max
	}
}

func separator(sep string) verbOption {
	return func(v *verb) { v.sep = sep }
}

// split turns the remainder of a command line into arguments.
func (v *verb) split(rest string) []string {
	if rest == "" {
		return nil
	}
	if v.whole {
		return []string{rest}
	}
	if v.sep == " " {
		return strings.Fields(rest)
	}
	args := strings.Split(rest, v.sep)
	for len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	return args
}

// checkArgs returns the syntax error message for n arguments, or "" when n
// is acceptable.
func (v *verb) checkArgs(n int) string {
	if n >= v.min && (v.max < 0 || n <= v.max) {
		return ""
	}
	switch {
	case v.max < 0:
		return fmt.Sprintf("Syntax error! Expected %d or more arguments.", v.min)
	case v.max == v.min:
		if v.min == 1 {
			return "Syntax error! Expected 1 argument."
		}
		return fmt.Sprintf("Syntax error! Expected %d arguments.", v.min)
	default:
		return fmt.Sprintf("Syntax error! Expected %d-%d arguments.", v.min, v.max)
	}
}

// registry maps command names to descriptors.
type registry struct {
	verbs map[string]*verb
}

func newRegistry() *registry {
	return &registry{verbs: make(map[string]*verb)}
}

// add registers a verb. It panics on a duplicate name; the table is built
// at package initialization.
func (r *registry) add(name string, h handlerFunc, opts ...verbOption) *registry {
	name = strings.ToUpper(name)
	if _, ok := r.verbs[name]; ok {
		panic("server: verb " + name + " already defined")
	}
	v := &verb{name: name, max: -1, sep: " ", handler: h}
	for _, opt := range opts {
		opt(v)
	}
	r.verbs[name] = v
	return r
}

// synonym registers name as another spelling of canonical. Both share the
// same descriptor.
func (r *registry) synonym(name, canonical string) *registry {
	name = strings.ToUpper(name)
	if _, ok := r.verbs[name]; ok {
		panic("server: verb " + name + " already defined")
	}
	v, ok := r.verbs[strings.ToUpper(canonical)]
	if !ok {
		panic("server: synonym " + name + " for unknown verb " + canonical)
	}
	r.verbs[name] = v
	return r
}

func (r *registry) lookup(name string) (*verb, bool) {
	v, ok := r.verbs[strings.ToUpper(name)]
	return v, ok
}

// names returns every registered spelling in sorted order.
func (r *registry) names() []string {
	names := make([]string, 0, len(r.verbs))
	for name := range r.verbs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// defaultVerbs is the command table shared by all sessions. Handlers reach
// it through their server, never through this variable.
var defaultVerbs = newRegistry().
	// Access control
	add("USER", (*session).handleUSER, argCount(1, 1)).
	add("PASS", (*session).handlePASS, argCount(0, 1), wholeArg).
	add("ACCT", (*session).handleACCT, argCount(1, 1), wholeArg).
	add("QUIT", (*session).handleQUIT, argCount(0, 0)).

	// Information
	add("NOOP", (*session).handleNOOP, argCount(0, 0)).
	add("SYST", (*session).handleSYST, argCount(0, 0)).
	add("FEAT", (*session).handleFEAT, argCount(0, 0)).
	add("HELP", (*session).handleHELP, argCount(0, 1)).
	add("STAT", (*session).handleSTAT, argCount(0, 1), wholeArg).
	add("ALLO", (*session).handleALLO, argCount(1, 3), authRequired).
	add("AVBL", (*session).handleAVBL, argCount(0, 1), wholeArg, authRequired).
	add("DSIZ", (*session).handleDSIZ, argCount(0, 1), wholeArg, authRequired).

	// Transfer parameters
	add("TYPE", (*session).handleTYPE, argCount(1, 2), authRequired).
	add("MODE", (*session).handleMODE, argCount(1, 1), authRequired).
	add("STRU", (*session).handleSTRU, argCount(1, 1), authRequired).
	add("PORT", (*session).handlePORT, argCount(6, 6), separator(","), authRequired).
	add("PASV", (*session).handlePASV, argCount(0, 0), authRequired).
	add("REST", (*session).handleREST, argCount(1, 1), authRequired).

	// File management
	add("PWD", (*session).handlePWD, argCount(0, 0), authRequired).
	add("CWD", (*session).handleCWD, argCount(1, 1), wholeArg, authRequired).
	add("CDUP", (*session).handleCDUP, argCount(0, 0), authRequired).
	add("MKD", (*session).handleMKD, argCount(1, 1), wholeArg, authRequired).
	add("RMD", (*session).handleRMD, argCount(1, 1), wholeArg, authRequired).
	add("RMDA", (*session).handleRMDA, argCount(1, 1), wholeArg, authRequired).
	add("DELE", (*session).handleDELE, argCount(1, 1), wholeArg, authRequired).
	add("RNFR", (*session).handleRNFR, argCount(1, 1), wholeArg, authRequired).
	add("RNTO", (*session).handleRNTO, argCount(1, 1), wholeArg, authRequired).
	synonym("XPWD", "PWD").
	synonym("XCWD", "CWD").
	synonym("XCUP", "CDUP").
	synonym("XMKD", "MKD").
	synonym("XRMD", "RMD").

	// File transfer
	add("RETR", (*session).handleRETR, argCount(1, 1), wholeArg, authRequired).
	add("STOR", (*session).handleSTOR, argCount(1, 1), wholeArg, authRequired).
	add("APPE", (*session).handleAPPE, argCount(1, 1), wholeArg, authRequired).
	add("STOU", (*session).handleSTOU, argCount(0, 1), wholeArg, authRequired).
	add("LIST", (*session).handleLIST, argCount(0, 1), wholeArg, authRequired).
	add("NLST", (*session).handleNLST, argCount(0, 1), wholeArg, authRequired).
	add("ABOR", (*session).handleABOR, argCount(0, 0), authRequired)
