// Command hab is the Supervisor's CLI surface (spec.md §4.M, §6), grounded
// on the cobra root/subcommand shape of the teacher's cmd/cli and on the
// ring/service/user/config/sup subcommand semantics of
// components/hab/src/command/{ring,service,user,config,sup}.rs.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/habitat-sh/fleet-sup/internal/ringcrypto"
)

// Exit codes per spec.md §6: 0 success, 1 user error, 2 runtime failure.
const (
	exitOK      = 0
	exitUser    = 1
	exitRuntime = 2
)

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func main() {
	root := &cobra.Command{
		Use:   "hab",
		Short: "Apply configuration and manage keys for a fleet-sup ring",
	}

	root.AddCommand(applyCmd(), ringCmd(), serviceCmd(), userCmd(), supCmd())

	if err := root.Execute(); err != nil {
		fail(exitUser, "%v", err)
	}
}

func applyCmd() *cobra.Command {
	var group, ringKeyPath, filePath string
	var version uint64

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Print a GossipFile rumor body for a configuration payload to stdout (the payload is not signed and nothing is sent to a Supervisor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				fail(exitUser, "--group is required")
			}

			var body []byte
			var err error
			if filePath != "" {
				body, err = os.ReadFile(filePath)
			} else {
				body, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				fail(exitRuntime, "read payload: %v", err)
			}

			payload := struct {
				ServiceGroup string `json:"service_group"`
				Filename     string `json:"filename"`
				Version      uint64 `json:"version"`
				Signed       []byte `json:"signed"`
			}{
				ServiceGroup: group,
				Filename:     filepath.Base(filePath),
				Version:      version,
				Signed:       body,
			}
			out, err := json.Marshal(payload)
			if err != nil {
				fail(exitRuntime, "encode payload: %v", err)
			}

			fmt.Printf("applying configuration for %s, version %d (%d bytes)\n", group, version, len(out))
			fmt.Println("wrote GossipFile rumor to stdout")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "service group, e.g. redis.default")
	cmd.Flags().StringVar(&ringKeyPath, "ring-key", "", "path to a ring key (not used: the printed rumor is not encrypted)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to the file to apply (defaults to stdin)")
	cmd.Flags().Uint64Var(&version, "version", uint64(time.Now().Unix()), "gossip file version")
	return cmd
}

func ringCmd() *cobra.Command {
	ring := &cobra.Command{Use: "ring", Short: "Manage ring encryption keys"}
	key := &cobra.Command{Use: "key", Short: "Ring key operations"}

	key.AddCommand(&cobra.Command{
		Use:   "generate <ring-name>",
		Short: "Generate a new ring key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rk, err := ringcrypto.GenerateRingKey(args[0])
			if err != nil {
				fail(exitRuntime, "generate ring key: %v", err)
			}
			fmt.Printf("generated ring key for %s\n", args[0])
			fmt.Println(rk.Export())
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "export <ring-name> <path>",
		Short: "Export a ring key to stdout",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			rk, err := ringcrypto.LoadRingKey(args[1])
			if err != nil {
				fail(exitRuntime, "load ring key: %v", err)
			}
			fmt.Println(rk.Export())
		},
	})

	key.AddCommand(&cobra.Command{
		Use:   "import <ring-name> <path>",
		Short: "Import a ring key from standard input and write it to path",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			content, err := io.ReadAll(os.Stdin)
			if err != nil {
				fail(exitRuntime, "read ring key: %v", err)
			}
			rk, err := ringcrypto.ImportRingKey(args[0], string(content))
			if err != nil {
				fail(exitUser, "import ring key: %v", err)
			}
			if err := rk.WriteFile(args[1]); err != nil {
				fail(exitRuntime, "write ring key: %v", err)
			}
			fmt.Printf("imported ring key %s\n", args[0])
		},
	})

	ring.AddCommand(key)
	return ring
}

func serviceCmd() *cobra.Command {
	service := &cobra.Command{Use: "service", Short: "Manage service signing keys"}
	key := &cobra.Command{Use: "key", Short: "Service key operations"}
	key.AddCommand(&cobra.Command{
		Use:   "generate <service-name>",
		Short: "Generate a new service signing key pair",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			kp, err := ringcrypto.GenerateSigningKeyPair(args[0])
			if err != nil {
				fail(exitRuntime, "generate service key: %v", err)
			}
			fmt.Printf("generated service key pair for %s\n", args[0])
			fmt.Println(kp.PublicKeyBase64())
		},
	})
	service.AddCommand(key)
	return service
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage user signing keys"}
	key := &cobra.Command{Use: "key", Short: "User key operations"}
	key.AddCommand(&cobra.Command{
		Use:   "generate <user-name>",
		Short: "Generate a new user signing key pair",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			kp, err := ringcrypto.GenerateSigningKeyPair(args[0])
			if err != nil {
				fail(exitRuntime, "generate user key: %v", err)
			}
			fmt.Printf("generated user key pair for %s\n", args[0])
			fmt.Println(kp.PublicKeyBase64())
		},
	})
	user.AddCommand(key)
	return user
}

// supCmd launches the Supervisor binary. Unlike the original's
// exec-a-separate-package-identity dance (components/hab/src/command/sup.rs),
// fleet-sup ships the Supervisor as a sibling binary in the same module, so
// this simply execs it from PATH, forwarding all remaining arguments.
func supCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "sup -- [supervisor args]",
		Short:              "Launch the fleet-sup Supervisor",
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			binary, err := exec.LookPath("sup")
			if err != nil {
				fail(exitRuntime, "sup binary not found on PATH: %v", err)
			}
			child := exec.Command(binary, args...)
			child.Stdin = os.Stdin
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			if err := child.Run(); err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					os.Exit(exitErr.ExitCode())
				}
				fail(exitRuntime, "launch supervisor: %v", err)
			}
		},
	}
}
