// Command keygen generates an Ed25519 signing keypair as PEM files, for
// operators who provision the server key out of band instead of letting the
// service generate one.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

func main() {
	dir := flag.String("dir", ".", "output directory for the PEM files")
	prefix := flag.String("prefix", "license", "file name prefix")
	flag.Parse()

	if err := run(*dir, *prefix); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func run(dir, prefix string) error {
	priv, pub, err := signing.GenerateKeyPair()
	if err != nil {
		return err
	}
	privPEM, err := signing.EncodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}

	privPath := filepath.Join(dir, prefix+"_private.pem")
	pubPath := filepath.Join(dir, prefix+"_public.pem")
	if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		return err
	}

	fmt.Println("wrote", privPath)
	fmt.Println("wrote", pubPath)
	return nil
}
