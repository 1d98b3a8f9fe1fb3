package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"vitacore/pkg/config"
	"vitacore/pkg/debugger"
	"vitacore/pkg/kernel"
	"vitacore/pkg/logger"
	"vitacore/pkg/mem"
	"vitacore/pkg/staterepository"
)

func main() {
	os.Exit(run())
}

func parseAddr(s string) (mem.Address, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return mem.Address(v), err
}

func run() int {
	configPath := flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	imagePath := flag.String("image", "", "Raw ARM/Thumb code image to run")
	loadFlag := flag.String("load", "0x81000000", "Address to load the image at, page aligned")
	entryFlag := flag.String("entry", "", "Entry point, odd for Thumb (defaults to the load address)")
	snapshotLabel := flag.String("snapshot", "", "Save a snapshot with this label when the main thread ends")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Printf("Failed to load config: %v", err)
			return 1
		}
	} else {
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			log.Printf("Invalid configuration: %v", err)
			return 1
		}
	}

	logger.SetEcho(cfg.Log.Echo)
	if cfg.Log.File != "" {
		if err := logger.InitFileLogger(cfg.Log.File); err != nil {
			log.Printf("Failed to open log file: %v", err)
			return 1
		}
		defer logger.CloseFileLogger()
	}
	mainLog := logger.New("main")

	if *imagePath == "" {
		log.Printf("No image given, use -image")
		return 2
	}
	image, err := os.ReadFile(*imagePath)
	if err != nil || len(image) == 0 {
		log.Printf("Failed to read image %s: %v", *imagePath, err)
		return 1
	}
	loadAddr, err := parseAddr(*loadFlag)
	if err != nil {
		log.Printf("Bad load address %q: %v", *loadFlag, err)
		return 2
	}
	entry := loadAddr
	if *entryFlag != "" {
		if entry, err = parseAddr(*entryFlag); err != nil {
			log.Printf("Bad entry point %q: %v", *entryFlag, err)
			return 2
		}
	}

	m, err := mem.New(mem.Config{Size: cfg.MemorySize, HardwareProtection: cfg.HardwareProtection})
	if err != nil {
		log.Printf("Failed to create guest memory: %v", err)
		return 1
	}
	defer m.Close()

	k, err := kernel.New(m, cfg)
	if err != nil {
		log.Printf("Failed to create kernel: %v", err)
		return 1
	}
	defer k.Close()

	if m.AllocAt(loadAddr, uint32(len(image)), "image") == 0 || !m.WriteBytes(loadAddr, image) {
		log.Printf("Cannot place %d byte image at %s", len(image), loadAddr)
		return 1
	}
	mainLog.Printf("loaded %s: %d bytes at %s, entry %s", *imagePath, len(image), loadAddr, entry)

	// No HLE modules are linked in; every import reports success.
	k.SetImportCaller(func(t *kernel.ThreadState, nid uint32) error {
		mainLog.Printf("%s: unimplemented import %08x", t.Name(), nid)
		t.CPU().SetReg(0, 0)
		return nil
	})

	var repo *staterepository.Repository
	if cfg.Snapshots.Dir != "" {
		repo, err = staterepository.Open(cfg.Snapshots.Dir, staterepository.Options{
			DataShards:   cfg.Snapshots.DataShards,
			ParityShards: cfg.Snapshots.ParityShards,
		})
		if err != nil {
			log.Printf("Failed to open snapshot repository: %v", err)
			return 1
		}
		defer repo.Close()
	}

	if cfg.Debugger.ListenAddr != "" {
		server, err := debugger.Listen(cfg.Debugger.ListenAddr, k, repo)
		if err != nil {
			log.Printf("Failed to start debugger: %v", err)
			return 1
		}
		defer server.Close()
		mainLog.Printf("debugger key %x", []byte(server.PublicKey()))
	}

	uid, err := k.CreateThread("main", entry, 0, 0)
	if err != nil {
		log.Printf("Failed to create main thread: %v", err)
		return 1
	}
	var args []byte
	if flag.NArg() > 0 {
		args = []byte(strings.Join(flag.Args(), "\x00") + "\x00")
	}
	if err := k.StartThread(uid, args); err != nil {
		log.Printf("Failed to start main thread: %v", err)
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		mainLog.Printf("received signal %v, stopping main thread", sig)
		k.TerminateThread(nil, uid)
	}()

	status, err := k.WaitThreadEnd(nil, uid, nil)
	if err != nil {
		log.Printf("Waiting for main thread failed: %v", err)
		return 1
	}
	signal.Stop(signalChan)

	var crash string
	if t := k.Thread(uid); t != nil {
		crash = t.Info().Crash
	}
	if crash != "" {
		mainLog.Printf("main thread crashed: %s", crash)
	} else {
		mainLog.Printf("main thread exited with status %d", status)
	}

	if *snapshotLabel != "" {
		if repo == nil {
			log.Printf("Snapshot requested but snapshots.dir is not configured")
		} else if id, err := repo.SaveSnapshot(staterepository.Capture(k, *snapshotLabel)); err != nil {
			log.Printf("Failed to save snapshot: %v", err)
		} else {
			mainLog.Printf("saved snapshot %s", id)
		}
	}

	if crash != "" {
		return 1
	}
	return int(status & 0xff)
}
