// Package server implements an FTP server for host accounts.
//
// # Overview
//
// Users log in with their system credentials and work inside their home
// directory. The server is built from three pieces:
//   - A reactor (internal/reactor) that polls the control listener, every
//     control connection and every passive data listener from a single
//     goroutine
//   - A bounded pool of transfer workers, spawned from the reactor, that
//     move file data over data connections
//   - A jail (internal/jail) that runs each filesystem operation in a
//     helper process confined to the user's root and running under the
//     user's uid, gid and groups
//
// # Getting Started
//
// The binary that embeds the server must dispatch the jail helper before
// doing anything else, because the helper is the same executable started
// again:
//
//	func main() {
//	    if jail.IsHelper() {
//	        os.Exit(jail.Main())
//	    }
//
//	    cfg, err := config.Load("/etc/ftpd/ftpd.toml", nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	    defer stop()
//	    if err := s.ListenAndServe(ctx); !errors.Is(err, server.ErrServerClosed) {
//	        log.Fatal(err)
//	    }
//	}
//
// Test binaries do the same from TestMain.
//
// # Accounts
//
// By default accounts come from the host user database and passwords are
// checked against the shadow file, which requires root. A fixed set of
// accounts can be served instead:
//
//	accounts := system.NewStatic()
//	accounts.Add(system.User{
//	    Name:    "alice",
//	    UID:     1000,
//	    GID:     1000,
//	    HomeDir: "/srv/ftp/alice",
//	}, "secret")
//	s, _ := server.NewServer(cfg, server.WithAccounts(accounts))
//
// # Confinement
//
// With users.chroot set and the server running as root, helpers chroot
// into the user's home directory before dropping privileges, and the user
// sees that directory as "/". Without root the same root is enforced by
// path resolution only. With users.chroot unset the root is "/" and the
// working directory starts at the home directory.
//
// # Passive Mode Configuration
//
// Passive listeners are bound inside data_connections.pasv.port_range.
// Behind NAT, set data_connections.pasv.public_host to the address clients
// should connect to:
//
//	[data_connections.pasv]
//	public_host = "203.0.113.10"
//
//	[data_connections.pasv.port_range]
//	min = 30000
//	max = 30100
//
// Port range configuration is essential for firewall rules:
//   - Ensure the range is large enough for concurrent transfers
//   - Configure your firewall to allow incoming connections on this range
//   - Docker users: map the port range with -p 30000-30100:30000-30100
//
// # Troubleshooting
//
// Problem: Every transfer fails with "400 Server busy"
//   - Solution: Raise server.threads, or server.worker_wait
//
// Problem: Passive mode connections fail
//   - Solution: Set data_connections.pasv.public_host
//   - Solution: Ensure the firewall allows the passive port range
//
// Problem: "530 Login incorrect." for valid users
//   - Solution: The shadow file is only readable by root; run as root or
//     use WithAccounts
//   - Solution: Check that the account is not locked or expired
package server
