package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/spf13/cobra"
)

var keyInfoCmd = &cobra.Command{
	Use:   "keyinfo",
	Short: "Print the security domain's key information template and CPLC",
	Long: `keyinfo selects the security domain without authenticating and prints
the key sets it reports. --probe sends INITIALIZE UPDATE for the given key
versions to find the ones the card accepts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetStringSlice("probe")

		t, err := connect()
		if err != nil {
			return err
		}
		defer t.close()

		aid, err := cfg.SecurityDomainAID()
		if err != nil {
			return err
		}
		if aid == nil {
			aid = gp.DefaultSecurityDomainAID
		}
		if _, err := gp.Select(t.card, aid); err != nil {
			return fmt.Errorf("select security domain %X: %w", aid, err)
		}

		tlv, err := gp.GetKeyInfo(t.card)
		if err != nil {
			return err
		}
		records, err := gp.ParseKeyInfo(tlv)
		if err != nil {
			return err
		}
		if conn, ok := t.card.(*gp.Connection); ok {
			if atr, err := conn.ATR(); err == nil {
				fmt.Printf("ATR: %X\n", atr)
			}
		}
		fmt.Printf("Security domain: %X\n", aid)
		gp.PrintKeyInfo(os.Stdout, records)
		if latest, err := gp.CalculateLatestKeySetIndex(tlv); err == nil {
			fmt.Printf("Latest key version: 0x%02X\n", latest)
		}

		if cplc, err := gp.GetCPLC(t.card); err == nil {
			fmt.Printf("CPLC: %s\n", cplc)
			fmt.Printf("CUID: %X\n", cplc.CUID())
		} else {
			fmt.Printf("CPLC: unavailable (%v)\n", err)
		}

		if len(probe) == 0 {
			return nil
		}
		versions := make([]byte, 0, len(probe))
		for _, s := range probe {
			v, err := parseByte(s)
			if err != nil {
				return fmt.Errorf("--probe: %w", err)
			}
			versions = append(versions, v)
		}
		found, err := gp.ProbeKeyVersions(t.card, gp.NewSoftwareProvider(), versions)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if p, ok := found[v]; ok {
				fmt.Printf("Key version 0x%02X: accepted (%s)\n", v, p)
			} else {
				fmt.Printf("Key version 0x%02X: rejected\n", v)
			}
		}
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Open a secure channel and report the negotiated parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChannel(cmd.Context(), func(ch *channel) error {
			s := ch.session
			fmt.Printf("Session:        %s\n", s.ID())
			fmt.Printf("Protocol:       %s\n", s.ProtocolInfo())
			fmt.Printf("Security level: %s\n", s.SecurityLevel())
			fmt.Printf("State:          %s\n", s.State())
			if kid, ok := s.(interface{ KeyInformationData() []byte }); ok {
				fmt.Printf("Key info data:  %X\n", kid.KeyInformationData())
			}
			return nil
		})
	},
}

var putKeysCmd = &cobra.Command{
	Use:   "put-keys",
	Short: "Store a new ENC/MAC/DEK key set",
	Long: `put-keys sends PUT KEY with three keys encrypted under the session
data encryption key. With --replace the key set the session authenticated
with is overwritten; otherwise a new key set is added.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		newKVN, _ := cmd.Flags().GetInt("new-kvn")
		replace, _ := cmd.Flags().GetBool("replace")
		files := make([]string, 0, 3)
		for _, name := range []string{"enc", "mac", "dek"} {
			path, _ := cmd.Flags().GetString(name)
			if path == "" {
				return fmt.Errorf("--%s is required", name)
			}
			files = append(files, path)
		}
		if newKVN < 1 || newKVN > 0x7F {
			return fmt.Errorf("--new-kvn must be 1..127")
		}

		return withChannel(cmd.Context(), func(ch *channel) error {
			alg := gp.DES3
			if ch.session.ProtocolInfo().IsSCP03() {
				alg = gp.AES
			}
			keys := make([]*gp.SymmetricKey, 0, len(files))
			for i, path := range files {
				raw, err := gp.LoadKeyHexFile(path)
				if err != nil {
					return fmt.Errorf("key file %s invalid: %w", path, err)
				}
				label := []string{"new-enc", "new-mac", "new-dek"}[i]
				k, err := ch.provider.ImportKey(gp.KeySpec{Alg: alg, Usage: gp.UsageEncrypt, Scope: gp.ScopeSession, Label: label}, raw)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}

			var oldKVN byte
			if replace {
				kid, ok := ch.session.(interface{ KeyInformationData() []byte })
				if !ok || len(kid.KeyInformationData()) == 0 {
					return fmt.Errorf("session does not report its key version")
				}
				oldKVN = kid.KeyInformationData()[0]
			}
			if err := ch.token.PutKeys(ch.provider, oldKVN, byte(newKVN), keys); err != nil {
				return err
			}
			fmt.Printf("Key set 0x%02X stored\n", newKVN)
			return nil
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <load-file>",
	Short: "Load a package and optionally install an applet from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		packageAID, err := hexFlag(cmd, "package-aid", true)
		if err != nil {
			return err
		}
		sdAID, err := hexFlag(cmd, "sd-aid", false)
		if err != nil {
			return err
		}
		moduleAID, err := hexFlag(cmd, "module-aid", false)
		if err != nil {
			return err
		}
		instanceAID, err := hexFlag(cmd, "instance-aid", false)
		if err != nil {
			return err
		}
		params, err := hexFlag(cmd, "install-params", false)
		if err != nil {
			return err
		}
		privileges, _ := cmd.Flags().GetUint8("privileges")
		blockSize, _ := cmd.Flags().GetInt("block-size")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read load file: %w", err)
		}

		return withChannel(cmd.Context(), func(ch *channel) error {
			if err := ch.token.InstallLoad(packageAID, sdAID, nil); err != nil {
				return err
			}
			if err := ch.token.LoadFile(data, blockSize); err != nil {
				return err
			}
			fmt.Printf("Loaded package %X (%d bytes)\n", packageAID, len(data))

			if moduleAID == nil {
				return nil
			}
			if instanceAID == nil {
				instanceAID = moduleAID
			}
			if err := ch.token.InstallApplet(packageAID, moduleAID, instanceAID, privileges, params); err != nil {
				return err
			}
			fmt.Printf("Installed applet %X\n", instanceAID)
			return nil
		})
	},
}

var writeObjectCmd = &cobra.Command{
	Use:   "write-object",
	Short: "Write data to a token object",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := objectID(cmd)
		if err != nil {
			return err
		}
		data, err := hexFlag(cmd, "data", false)
		if err != nil {
			return err
		}
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			if data != nil {
				return fmt.Errorf("--data and --file are mutually exclusive")
			}
			if data, err = os.ReadFile(file); err != nil {
				return fmt.Errorf("read object data: %w", err)
			}
		}
		if len(data) == 0 {
			return fmt.Errorf("--data or --file is required")
		}
		create, _ := cmd.Flags().GetBool("create")
		var acl gp.ObjectACL
		acl.Read, _ = cmd.Flags().GetUint16("acl-read")
		acl.Write, _ = cmd.Flags().GetUint16("acl-write")
		acl.Delete, _ = cmd.Flags().GetUint16("acl-delete")

		return withChannel(cmd.Context(), func(ch *channel) error {
			if create {
				if err := ch.token.CreateObject(id, uint32(len(data)), acl); err != nil {
					return err
				}
			}
			if err := ch.token.WriteObject(id, data); err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes to object 0x%08X\n", len(data), id)
			return nil
		})
	},
}

var readObjectCmd = &cobra.Command{
	Use:   "read-object",
	Short: "Read data from a token object",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := objectID(cmd)
		if err != nil {
			return err
		}
		offset, _ := cmd.Flags().GetUint32("offset")
		length, _ := cmd.Flags().GetUint32("length")
		out, _ := cmd.Flags().GetString("out")
		if length == 0 {
			return fmt.Errorf("--length is required")
		}

		return withChannel(cmd.Context(), func(ch *channel) error {
			data, err := ch.token.ReadObject(id, offset, length)
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, data, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Printf("Read %d bytes from object 0x%08X into %s\n", len(data), id, out)
				return nil
			}
			fmt.Printf("%X\n", data)
			return nil
		})
	},
}

var createPinCmd = &cobra.Command{
	Use:   "create-pin",
	Short: "Create a token PIN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		number, _ := cmd.Flags().GetUint8("pin-number")
		retries, _ := cmd.Flags().GetUint8("retries")
		pin, err := promptNewPIN(fmt.Sprintf("PIN %d", number))
		if err != nil {
			return err
		}
		return withChannel(cmd.Context(), func(ch *channel) error {
			if err := ch.token.CreatePin(number, retries, pin); err != nil {
				return err
			}
			fmt.Printf("PIN %d created (%d retries)\n", number, retries)
			return nil
		})
	},
}

var resetPinCmd = &cobra.Command{
	Use:   "reset-pin",
	Short: "Set a new value for a token PIN",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		number, _ := cmd.Flags().GetUint8("pin-number")
		pin, err := promptNewPIN(fmt.Sprintf("PIN %d", number))
		if err != nil {
			return err
		}
		return withChannel(cmd.Context(), func(ch *channel) error {
			if err := ch.token.ResetPin(number, pin); err != nil {
				return err
			}
			fmt.Printf("PIN %d reset\n", number)
			return nil
		})
	},
}

var lifecycleStates = []struct {
	name  string
	value byte
}{
	{"uninitialized", gp.LifecycleUninitialized},
	{"personalized", gp.LifecyclePersonalized},
}

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle [uninitialized|personalized|<hex>]",
	Short: "Move the token applet to a lifecycle state",
	Long: `lifecycle sets the token lifecycle state. Without an argument the state
is picked from a menu.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var state byte
		if len(args) == 1 {
			s, err := parseLifecycle(args[0])
			if err != nil {
				return err
			}
			state = s
		} else {
			items := make([]string, len(lifecycleStates))
			for i, st := range lifecycleStates {
				items[i] = fmt.Sprintf("%s (0x%02X)", st.name, st.value)
			}
			idx := selectMenu("Select a lifecycle state:", items)
			if idx < 0 {
				return fmt.Errorf("no lifecycle state selected")
			}
			state = lifecycleStates[idx].value
		}

		return withChannel(cmd.Context(), func(ch *channel) error {
			if err := ch.token.SetLifecycleState(state); err != nil {
				return err
			}
			fmt.Printf("Lifecycle state set to 0x%02X\n", state)
			return nil
		})
	},
}

func init() {
	keyInfoCmd.Flags().StringSlice("probe", nil, "key versions to probe with INITIALIZE UPDATE, e.g. 01,20,30")

	putKeysCmd.Flags().Int("new-kvn", 0, "key version of the new key set (1..127)")
	putKeysCmd.Flags().Bool("replace", false, "replace the key set used to authenticate")
	putKeysCmd.Flags().String("enc", "", "new ENC key .hex file")
	putKeysCmd.Flags().String("mac", "", "new MAC key .hex file")
	putKeysCmd.Flags().String("dek", "", "new DEK key .hex file")

	loadCmd.Flags().String("package-aid", "", "package AID (hex, required)")
	loadCmd.Flags().String("sd-aid", "", "associated security domain AID (hex)")
	loadCmd.Flags().String("module-aid", "", "applet class AID to install after loading (hex)")
	loadCmd.Flags().String("instance-aid", "", "applet instance AID (hex, defaults to --module-aid)")
	loadCmd.Flags().String("install-params", "", "install parameters (hex)")
	loadCmd.Flags().Uint8("privileges", 0x00, "applet privileges byte")
	loadCmd.Flags().Int("block-size", 0xEF, "largest LOAD command data size the card accepts")

	for _, c := range []*cobra.Command{writeObjectCmd, readObjectCmd} {
		c.Flags().String("id", "", "object identifier (decimal or 0x-prefixed hex, required)")
	}
	writeObjectCmd.Flags().String("data", "", "object data (hex)")
	writeObjectCmd.Flags().String("file", "", "read object data from this file")
	writeObjectCmd.Flags().Bool("create", false, "create the object, sized to the data, before writing")
	writeObjectCmd.Flags().Uint16("acl-read", 0, "read access condition for --create")
	writeObjectCmd.Flags().Uint16("acl-write", 0, "write access condition for --create")
	writeObjectCmd.Flags().Uint16("acl-delete", 0, "delete access condition for --create")
	readObjectCmd.Flags().Uint32("offset", 0, "first byte to read")
	readObjectCmd.Flags().Uint32("length", 0, "number of bytes to read (required)")
	readObjectCmd.Flags().String("out", "", "write the data to this file instead of printing hex")

	for _, c := range []*cobra.Command{createPinCmd, resetPinCmd} {
		c.Flags().Uint8("pin-number", 0, "PIN number")
	}
	createPinCmd.Flags().Uint8("retries", 3, "number of wrong presentations before the PIN blocks")
}

func hexFlag(cmd *cobra.Command, name string, required bool) ([]byte, error) {
	s, _ := cmd.Flags().GetString(name)
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return nil, fmt.Errorf("--%s is required", name)
		}
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}

func objectID(cmd *cobra.Command) (uint32, error) {
	s, _ := cmd.Flags().GetString("id")
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("--id is required")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("--id: %w", err)
	}
	return uint32(v), nil
}

// parseByte accepts "20", "0x20" and "020" as hex.
func parseByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return byte(v), nil
}

func parseLifecycle(s string) (byte, error) {
	for _, st := range lifecycleStates {
		if strings.EqualFold(s, st.name) {
			return st.value, nil
		}
	}
	return parseByte(s)
}
