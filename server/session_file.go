package server

import (
	"fmt"
	"strings"

	"github.com/gonzalop/ftpd/internal/jail"
)

// quotePath formats a path for a 257 reply, doubling embedded quotes.
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}

func (s *session) handlePWD(_ []string) {
	s.reply(257, fmt.Sprintf("%s is the current directory.", quotePath(s.pwd)))
}

func (s *session) handleCWD(args []string) {
	s.changeDir(args[0])
}

func (s *session) handleCDUP(_ []string) {
	s.changeDir("..")
}

func (s *session) changeDir(p string) {
	res, err := s.runJail(jail.OpResolveDir, p)
	if err != nil {
		s.replyFSError(jail.OpResolveDir, p, err)
		return
	}
	s.pwd = res.Path
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleMKD(args []string) {
	res, err := s.runJail(jail.OpMkdir, args[0])
	if err != nil {
		s.replyFSError(jail.OpMkdir, args[0], err)
		return
	}
	s.logger.Info("directory_created",
		"user", s.username,
		"path", s.redactPath(res.Path),
	)
	s.reply(257, fmt.Sprintf("%s created.", quotePath(res.Path)))
}

func (s *session) handleRMD(args []string) {
	s.removeDir(jail.OpRmdir, args[0])
}

func (s *session) handleRMDA(args []string) {
	s.removeDir(jail.OpRemoveAll, args[0])
}

func (s *session) removeDir(op jail.Op, p string) {
	res, err := s.runJail(op, p)
	if err != nil {
		s.replyFSError(op, p, err)
		return
	}
	s.logger.Info("directory_removed",
		"user", s.username,
		"path", s.redactPath(res.Path),
		"recursive", op == jail.OpRemoveAll,
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(args []string) {
	res, err := s.runJail(jail.OpDelete, args[0])
	if err != nil {
		s.replyFSError(jail.OpDelete, args[0], err)
		return
	}
	s.logger.Info("file_deleted",
		"user", s.username,
		"path", s.redactPath(res.Path),
	)
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(args []string) {
	s.renameFrom = ""
	res, err := s.runJail(jail.OpStat, args[0])
	if err != nil {
		s.replyFSError(jail.OpStat, args[0], err)
		return
	}
	s.renameFrom = res.Path
	s.reply(350, "File exists, ready for destination name.")
}

func (s *session) handleRNTO(args []string) {
	from := s.renameFrom
	s.renameFrom = ""
	if s.previous() != "RNFR" || from == "" {
		s.reply(503, "RNFR required first.")
		return
	}

	req := s.request(jail.OpRename, from)
	req.Target = args[0]
	res, err := s.server.jail.Run(req)
	if err != nil {
		s.replyFSError(jail.OpRename, args[0], err)
		return
	}
	s.logger.Info("file_renamed",
		"user", s.username,
		"from", s.redactPath(from),
		"to", s.redactPath(res.Path),
	)
	s.reply(250, "Rename successful.")
}
