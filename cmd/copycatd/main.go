// Command copycatd wires up a single-node Leader: a BoltDB-backed
// log, the example KV state machine, a wall-clock scheduler, and
// leader.Role, then drives it from stdin. Grounded on
// Konstantsiy-casual-raft/cmd/main.go's flag-parsed, framework-free
// wiring style; network transport and multi-node peer discovery are
// external concerns per spec.md §1, so this binary only demonstrates
// the single-node case (spec.md §8 scenario S1).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/waltznetworks/copycat/appender"
	"github.com/waltznetworks/copycat/cluster"
	"github.com/waltznetworks/copycat/leader"
	"github.com/waltznetworks/copycat/log/boltlog"
	"github.com/waltznetworks/copycat/raftpb"
	"github.com/waltznetworks/copycat/statemachine"
	"github.com/waltznetworks/copycat/timer"
	"github.com/waltznetworks/copycat/xlog"
)

// noopTransport never gets called: a single-member cluster has no
// peers to replicate to, but appender.New still requires a Transport.
type noopTransport struct{}

func (noopTransport) AppendEntries(context.Context, raftpb.MemberId, appender.AppendRequest) (appender.AppendResponse, error) {
	return appender.AppendResponse{}, fmt.Errorf("copycatd: no peers configured")
}

func main() {
	var (
		id             = flag.String("id", "a", "this server's member id")
		serverAddr     = flag.String("server-addr", "localhost:7000", "this server's peer-facing address")
		clientAddr     = flag.String("client-addr", "localhost:7001", "this server's client-facing address")
		dataDir        = flag.String("data", "./data", "directory for the replicated log")
		heartbeat      = flag.String("heartbeat", "100ms", "leader heartbeat interval")
		sessionTimeout = flag.Int64("session-timeout-ms", 5000, "default session timeout in milliseconds")
		logLevel       = flag.String("log-level", "INFO", "CRITICAL, ERROR, WARN, INFO, or DEBUG")
	)
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "copycatd: create data dir: %v\n", err)
		os.Exit(1)
	}

	heartbeatInterval, err := time.ParseDuration(*heartbeat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "copycatd: bad -heartbeat: %v\n", err)
		os.Exit(1)
	}

	lvl := parseLevel(*logLevel)
	logger := xlog.NewLogger("copycatd", lvl)

	l, err := boltlog.Open(*dataDir + "/log.db")
	if err != nil {
		logger.Panicf("open log: %v", err)
	}
	defer l.Close()

	self := raftpb.MemberId(*id)
	cs := cluster.New(self, []raftpb.Member{
		{ID: self, Type: raftpb.MemberActive, ServerAddress: *serverAddr, ClientAddress: *clientAddr},
	})

	kv := statemachine.NewKV(*serverAddr, xlog.NewLogger("statemachine", lvl))
	sched := timer.NewWheel()

	role := leader.New(
		self, 1, *serverAddr, *clientAddr,
		cs, l, kv, noopTransport{}, sched,
		leader.Config{
			HeartbeatInterval:    heartbeatInterval,
			SessionTimeoutMillis: *sessionTimeout,
		},
		xlog.NewLogger("leader", lvl),
		nil,
		func(kind leader.RoleKind, term raftpb.Term, newLeader raftpb.MemberId) {
			logger.Warnf("stepped down to %v at term %d, leader now %q; copycatd has nowhere to hand off to, exiting", kind, term, newLeader)
			os.Exit(1)
		},
	)

	ctx := context.Background()
	if err := role.Open(ctx); err != nil {
		logger.Panicf("open leader: %v", err)
	}
	defer role.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Infof("shutting down")
		role.Close()
		os.Exit(0)
	}()

	logger.Infof("leader %s ready on %s (client %s)", self, *serverAddr, *clientAddr)
	runREPL(ctx, role, logger)
}

// runREPL registers one local session and turns stdin lines of the
// form "put KEY VALUE", "get KEY", or "delete KEY" into
// Command/Query calls against the KV state machine wired above.
func runREPL(ctx context.Context, role *leader.Role, logger xlog.Logger) {
	reg, err := role.Register(ctx, leader.RegisterRequest{Client: uuid.New()})
	if err != nil {
		logger.Panicf("register local session: %v", err)
	}

	var seq raftpb.Sequence
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("copycatd ready. commands: put KEY VALUE | get KEY | delete KEY")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		op := strings.ToLower(fields[0])
		var key, value string
		if len(fields) > 1 {
			key = fields[1]
		}
		if len(fields) > 2 {
			value = fields[2]
		}

		payload, err := marshalCommand(op, key, value)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}

		if op == "get" {
			v, err := role.Query(ctx, leader.QueryRequest{Session: reg.Session, Query: payload})
			printResult(v, err)
			continue
		}

		seq++
		v, err := role.Command(ctx, leader.CommandRequest{Session: reg.Session, Sequence: seq, Command: payload})
		printResult(v, err)
	}
}

func marshalCommand(op, key, value string) ([]byte, error) {
	switch op {
	case "put", "get", "delete":
		return []byte(fmt.Sprintf(`{"op":%q,"key":%q,"value":%q}`, op, key, value)), nil
	default:
		return nil, fmt.Errorf("unknown command %q", op)
	}
}

func printResult(v interface{}, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok:", v)
}

func parseLevel(s string) xlog.LogLevel {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return xlog.CRITICAL
	case "ERROR":
		return xlog.ERROR
	case "WARN":
		return xlog.WARN
	case "DEBUG":
		return xlog.DEBUG
	default:
		return xlog.INFO
	}
}
