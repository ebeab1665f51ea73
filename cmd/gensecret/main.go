package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/teamtide/teamtide/internal/service/apikey/signer"
)

const SecretKeyBytesLen = 32

// Prints a fresh session signing secret to stdout.
// With --keys-dir it also writes an api key signing keypair there.
func main() {
	keysDir := pflag.String("keys-dir", "", "Also write an api key signing keypair to this directory")
	pflag.Parse()

	b := make([]byte, SecretKeyBytesLen)

	_, err := rand.Read(b)
	if err != nil {
		fmt.Printf("error while generating secret key: %v", err)
		os.Exit(1)
	}

	fmt.Println(hex.EncodeToString(b))

	if *keysDir == "" {
		return
	}

	keys, err := signer.Generate()
	if err != nil {
		fmt.Printf("error while generating api key signing keypair: %v", err)
		os.Exit(1)
	}
	if err := keys.Save(*keysDir); err != nil {
		fmt.Printf("error while saving api key signing keypair: %v", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "api key signing keypair written to %s\n", *keysDir)
}
