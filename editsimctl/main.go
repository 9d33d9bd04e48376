package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/showflow/editsync/editsync"
)

const EditSimCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// environment overrides for the sync settings, applied under the cli flags
type SimEnv struct {
	DebounceMillis   int `env:"EDITSIM_DEBOUNCE_MS" envDefault:"200"`
	HeartbeatMillis  int `env:"EDITSIM_HEARTBEAT_MS" envDefault:"1000"`
	TypingPingMillis int `env:"EDITSIM_TYPING_PING_MS" envDefault:"600"`
	LivenessMillis   int `env:"EDITSIM_LIVENESS_MS" envDefault:"2500"`
	SweepMillis      int `env:"EDITSIM_SWEEP_MS" envDefault:"200"`
}

func main() {
	usage := `Edit sync simulator.

Runs scripted clients against an in-memory store and presence loop to show
the debounce, blur-flush, overwrite-protection and presence-expiry behavior.

Usage:
    editsimctl type [--debounce_ms=<ms>] [<message>]
    editsimctl converge --clients=<count> [--debounce_ms=<ms>]
    editsimctl presence [--heartbeat_ms=<ms>] [--liveness_ms=<ms>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --debounce_ms=<ms>       Debounce window for local edits.
    --clients=<count>        Number of simulated clients.
    --heartbeat_ms=<ms>      Presence refresh cadence.
    --liveness_ms=<ms>       Staleness threshold for presence records.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], EditSimCtlVersion)
	if err != nil {
		panic(err)
	}

	if type_, _ := opts.Bool("type"); type_ {
		typeSim(opts)
	} else if converge_, _ := opts.Bool("converge"); converge_ {
		convergeSim(opts)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presenceSim(opts)
	}
}

func simSettings(opts docopt.Opts) *editsync.EditClientSettings {
	simEnv := SimEnv{}
	if err := env.Parse(&simEnv); err != nil {
		Err.Fatalf("could not parse environment: %s", err)
	}

	settings := editsync.DefaultEditClientSettings()
	settings.DebounceTimeout = time.Duration(simEnv.DebounceMillis) * time.Millisecond
	settings.HeartbeatTimeout = time.Duration(simEnv.HeartbeatMillis) * time.Millisecond
	settings.TypingPingTimeout = time.Duration(simEnv.TypingPingMillis) * time.Millisecond
	settings.LivenessTimeout = time.Duration(simEnv.LivenessMillis) * time.Millisecond
	settings.ExpireSweepTimeout = time.Duration(simEnv.SweepMillis) * time.Millisecond

	if debounceMillis, err := opts.Int("--debounce_ms"); err == nil && 0 < debounceMillis {
		settings.DebounceTimeout = time.Duration(debounceMillis) * time.Millisecond
	}
	if heartbeatMillis, err := opts.Int("--heartbeat_ms"); err == nil && 0 < heartbeatMillis {
		settings.HeartbeatTimeout = time.Duration(heartbeatMillis) * time.Millisecond
	}
	if livenessMillis, err := opts.Int("--liveness_ms"); err == nil && 0 < livenessMillis {
		settings.LivenessTimeout = time.Duration(livenessMillis) * time.Millisecond
	}
	return settings
}

func marker(symbol string) string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return symbol
	}
	return "*"
}

// one client types a message at keystroke speed. the store sees exactly one
// commit per pause, not one per keystroke.
func typeSim(opts docopt.Opts) {
	settings := simSettings(opts)

	message, _ := opts.String("<message>")
	if message == "" {
		message = "Hello from the rundown"
	}

	store := editsync.NewMemoryStore()
	store.AddRow("item1", `{"script":""}`)

	commitCount := 0
	store.Subscribe(func(address editsync.CellAddress, value string) {
		commitCount += 1
		Out.Printf("%s commit %d: %s = %q", marker("✔"), commitCount, address, value)
	})

	client := editsync.NewEditClient(
		editsync.User{UserId: "alice", UserName: "Alice"},
		store.Commit,
		settings,
	)
	defer client.Close()

	address := editsync.CellAddress{ItemId: "item1", FieldKey: "script"}
	client.OnFocus(address)
	for i := 1; i <= len(message); i += 1 {
		client.OnLocalEdit(address, message[:i])
		time.Sleep(20 * time.Millisecond)
	}
	client.OnBlur(address)

	Out.Printf("%d keystrokes, %d commit(s)", len(message), commitCount)
}

// n clients edit disjoint cells of a shared store and converge through the
// remote value fan-out.
func convergeSim(opts docopt.Opts) {
	settings := simSettings(opts)

	clientCount, err := opts.Int("--clients")
	if err != nil || clientCount < 1 {
		Err.Fatalf("--clients must be a positive count")
	}

	store := editsync.NewMemoryStore()
	store.AddRow("item1", `{}`)

	clients := make([]*editsync.EditClient, clientCount)
	for i := 0; i < clientCount; i += 1 {
		clients[i] = editsync.NewEditClient(
			editsync.User{
				UserId:   fmt.Sprintf("user%d", i),
				UserName: fmt.Sprintf("User %d", i),
			},
			store.Commit,
			settings,
		)
		defer clients[i].Close()
	}
	store.Subscribe(func(address editsync.CellAddress, value string) {
		for _, client := range clients {
			client.OnRemoteValue(address, value)
		}
	})

	for i, client := range clients {
		address := editsync.CellAddress{
			ItemId:   "item1",
			FieldKey: editsync.CustomFieldKey(fmt.Sprintf("cue%d", i)),
		}
		client.OnFocus(address)
		value := ""
		for _, word := range []string{"standby", "camera", fmt.Sprintf("%d", i)} {
			value = strings.TrimSpace(value + " " + word)
			client.OnLocalEdit(address, value)
			time.Sleep(30 * time.Millisecond)
		}
		client.OnBlur(address)
	}

	// let the fan-out settle
	time.Sleep(settings.DebounceTimeout + 100*time.Millisecond)

	row, err := store.Row("item1")
	if err != nil {
		Err.Fatalf("row lost: %s", err)
	}
	Out.Printf("store row: %s", row.Json())

	converged := true
	for i := range clients {
		for j := range clients {
			address := editsync.CellAddress{
				ItemId:   "item1",
				FieldKey: editsync.CustomFieldKey(fmt.Sprintf("cue%d", j)),
			}
			storeValue, _ := store.Value(address)
			if clientValue, ok := clients[i].Value(address); ok && clientValue != storeValue {
				converged = false
				Out.Printf("client %d diverged at %s: %q != %q", i, address, clientValue, storeValue)
			}
		}
	}
	if converged {
		Out.Printf("%s %d clients converged", marker("✔"), clientCount)
	} else {
		os.Exit(1)
	}
}

// one client heartbeats an edit session to another, then goes silent. the
// receiver's liveness sweep drops the record without a stop signal.
func presenceSim(opts docopt.Opts) {
	settings := simSettings(opts)

	store := editsync.NewMemoryStore()

	alice := editsync.NewEditClient(
		editsync.User{UserId: "alice", UserName: "Alice"},
		store.Commit,
		settings,
	)
	defer alice.Close()
	bob := editsync.NewEditClient(
		editsync.User{UserId: "bob", UserName: "Bob"},
		store.Commit,
		settings,
	)
	defer bob.Close()

	bob.AddPresenceChangeCallback(func(record editsync.PresenceRecord, editing bool) {
		if editing {
			Out.Printf("%s %s is editing %s", marker("●"), record.UserName, record.Address())
		} else {
			Out.Printf("%s %s stopped editing %s", marker("○"), record.UserName, record.Address())
		}
	})

	connected := true
	alice.SetAnnounceFunctions(
		func(address editsync.CellAddress, user editsync.User) {
			if !connected {
				return
			}
			bob.OnRemotePresence(editsync.PresenceRecord{
				UserId:   user.UserId,
				UserName: user.UserName,
				ItemId:   address.ItemId,
				FieldKey: address.FieldKey,
			})
		},
		func(address editsync.CellAddress, user editsync.User) {
			if !connected {
				return
			}
			bob.OnRemoteStopped(user.UserId)
		},
	)

	address := editsync.CellAddress{ItemId: "item1", FieldKey: "script"}
	alice.OnFocus(address)

	Out.Printf("heartbeating for %s", 3*settings.HeartbeatTimeout)
	time.Sleep(3 * settings.HeartbeatTimeout)

	Out.Printf("dropping the presence channel (no stop signal)")
	connected = false

	time.Sleep(settings.LivenessTimeout + 2*settings.ExpireSweepTimeout)
	if len(bob.Presence()) == 0 {
		Out.Printf("%s presence expired via liveness sweep", marker("✔"))
	} else {
		Err.Fatalf("presence record survived the liveness window")
	}
}
