package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"plotrelay.dev/internal/config"
	"plotrelay.dev/internal/identity"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  decisions   list ledger decisions (-author, -nonce, -slot)
  slot        show one slot from the ledger with derived growth
  cursor      show the persisted poll cursor
  seed        publish a world, a map and its empty slots with the authority key
  keygen      print a fresh secret key and its pubkey`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "decisions":
		decisionsCmd(args)
	case "slot":
		slotCmd(args)
	case "cursor":
		cursorCmd(args)
	case "seed":
		seedCmd(args)
	case "keygen":
		keygenCmd()
	default:
		usage()
		os.Exit(2)
	}
}

// loadConfig reads the authority config and applies the -world override.
// Relays are only validated by commands that publish.
func loadConfig(path, world string) config.Config {
	cfg, err := config.Read(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if w := strings.TrimSpace(world); w != "" {
		cfg.WorldID = w
	}
	if cfg.WorldID == "" {
		fmt.Fprintln(os.Stderr, "missing world id (-world or world_id in config)")
		os.Exit(2)
	}
	return cfg
}

func keygenCmd() {
	s, err := identity.GenerateKeySigner()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Printf("secret=%s\npubkey=%s\n", s.SecretHex(), s.PubKey())
}

func commonFlags(fs *flag.FlagSet) (cfgPath, world *string) {
	cfgPath = fs.String("config", "", "authority config yaml (optional)")
	world = fs.String("world", "", "world id (overrides config)")
	return
}
