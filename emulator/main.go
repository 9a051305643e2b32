package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/barnettlynn/gpscp/pkg/gp"
)

// emulator computes, offline, what a card with the given static keys would
// derive for one INITIALIZE UPDATE exchange. It is used to check card
// traces and key service answers.
func main() {
	var (
		protocol   = flag.Int("protocol", 3, "secure channel protocol: 1, 2 or 3")
		encKeyFile = flag.String("enc-key-file", "", "static ENC key .hex file (required)")
		macKeyFile = flag.String("mac-key-file", "", "static MAC key .hex file (required)")
		dekKeyFile = flag.String("dek-key-file", "", "static DEK key .hex file (SCP02/SCP03)")
		hostHex    = flag.String("host", "", "8-byte host challenge, hex (required)")
		cardHex    = flag.String("card", "", "card challenge, hex: 8 bytes (SCP01/SCP03) or 6 bytes (SCP02) (required)")
		seqHex     = flag.String("seq", "", "2-byte SCP02 sequence counter, hex")
		verify     = flag.String("verify", "", "card cryptogram from the card's INITIALIZE UPDATE response to check, hex")
		verbose    = flag.Bool("v", false, "Enable debug logging")
		logFormat  = flag.String("log-format", "text", "Log format: text or json")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	p := gp.Protocol(*protocol)
	switch p {
	case gp.SCP01, gp.SCP02, gp.SCP03:
	default:
		fail("-protocol must be 1, 2 or 3, got %d", *protocol)
	}
	if *encKeyFile == "" || *macKeyFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -enc-key-file and -mac-key-file are required\n")
		flag.Usage()
		os.Exit(1)
	}

	svc := &gp.StaticKeyService{ENC: loadKey("ENC", *encKeyFile), MAC: loadKey("MAC", *macKeyFile)}
	if *dekKeyFile != "" {
		svc.DEK = loadKey("DEK", *dekKeyFile)
	}

	host := decode("host challenge", *hostHex, 8)
	cardLen := 8
	if p == gp.SCP02 {
		cardLen = 6
	}
	card := decode("card challenge", *cardHex, cardLen)
	var seq []byte
	if p == gp.SCP02 {
		seq = decode("sequence counter", *seqHex, 2)
	}

	// Session keys leave the key service wrapped; a throwaway transport key
	// lets us unwrap and print them.
	transport := make([]byte, 16)
	if _, err := rand.Read(transport); err != nil {
		fail("random transport key: %v", err)
	}
	kek, err := gp.NewSoftwareProvider().ImportKey(gp.KeySpec{Alg: gp.AES, Usage: gp.UsageWrap | gp.UsageUnwrap, Label: "transport"}, transport)
	if err != nil {
		fail("transport key: %v", err)
	}
	svc.TransportKey = kek

	slog.Debug("deriving session keys", "protocol", p.String(), "host", fmt.Sprintf("%X", host), "card", fmt.Sprintf("%X", card), "seq", fmt.Sprintf("%X", seq))
	m, err := svc.SessionKeys(context.Background(), gp.SessionKeyRequest{
		Protocol:        p,
		HostChallenge:   host,
		CardChallenge:   card,
		SequenceCounter: seq,
	})
	if err != nil {
		fail("derive session keys: %v", err)
	}

	fmt.Printf("Protocol:        %s\n", p)
	fmt.Printf("Host challenge:  %X\n", host)
	fmt.Printf("Card challenge:  %X\n", card)
	if seq != nil {
		fmt.Printf("Sequence:        %X\n", seq)
	}
	sessionLen, dekLen := 16, len(svc.DEK)
	switch p {
	case gp.SCP02:
		dekLen = 16
	case gp.SCP03:
		sessionLen = len(svc.ENC)
	}
	printKey(kek, "ENC session key", m.EncSessionKey, sessionLen)
	printKey(kek, "MAC session key", m.SessionKey, sessionLen)
	printKey(kek, "RMAC session key", m.RMACSessionKey, sessionLen)
	printKey(kek, "DEK key", m.DEKSessionKey, dekLen)
	if m.KeyCheck != nil {
		fmt.Printf("DEK KCV:         %X\n", m.KeyCheck)
	}
	fmt.Printf("Card cryptogram: %X\n", m.CardCryptogram)
	fmt.Printf("Host cryptogram: %X\n", m.HostCryptogram)

	if *verify != "" {
		want := decode("card cryptogram", *verify, 8)
		if bytes.Equal(want, m.CardCryptogram) {
			fmt.Printf("Verify:          OK\n")
		} else {
			fmt.Printf("Verify:          FAILED\n")
			os.Exit(1)
		}
	}
}

func printKey(kek *gp.SymmetricKey, label string, wrapped []byte, keyLen int) {
	if wrapped == nil {
		return
	}
	key, err := gp.UnwrapAESCBC(kek.Block(), nil, wrapped, keyLen)
	if err != nil {
		fail("unwrap %s: %v", label, err)
	}
	fmt.Printf("%-17s%X\n", label+":", key)
}

func loadKey(name, path string) []byte {
	slog.Debug("Loading key", "name", name, "path", path)
	key, err := gp.LoadKeyHexFile(path)
	if err != nil {
		fail("loading %s key: %v", name, err)
	}
	return key
}

func decode(name, s string, n int) []byte {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		fail("decoding %s: %v", name, err)
	}
	if len(b) != n {
		fail("%s must be %d bytes, got %d", name, n, len(b))
	}
	return b
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
