package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mercator-hq/prgate/pkg/override"
)

const (
	pemPublicKey  = "PUBLIC KEY"
	pemPrivateKey = "PRIVATE KEY"
)

var keysFlags struct {
	output string
	actor  string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage override attestation keys",
	Long: `Manage the Ed25519 keypairs actors use to attest override signatures.

The public half goes into the actor key ring (overrides.actor_keys_file);
the private half stays with the actor and is passed to
"prgate override create --key" and "prgate override sign --key".`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a keypair for an actor",
	Long: `Generate a new Ed25519 keypair for an actor.

The generated keys are saved to PEM files with restrictive permissions:
  - Public key:  0644 (readable by all)
  - Private key: 0600 (readable only by owner)

Examples:
  # Generate a keypair for alice
  prgate keys generate --actor alice

  # Save to a custom directory
  prgate keys generate --actor alice --output ~/.prgate`,
	RunE: generateKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().StringVarP(&keysFlags.output, "dir", "d", "./keys", "output directory")
	keysGenerateCmd.Flags().StringVar(&keysFlags.actor, "actor", "", "actor id the key belongs to")
	_ = keysGenerateCmd.MarkFlagRequired("actor")
}

func generateKeys(cmd *cobra.Command, args []string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	if err := os.MkdirAll(keysFlags.output, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	publicKeyPath := filepath.Join(keysFlags.output, keysFlags.actor+"_public.pem")
	if err := writePEM(publicKeyPath, pemPublicKey, publicKey, 0644); err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	privateKeyPath := filepath.Join(keysFlags.output, keysFlags.actor+"_private.pem")
	if err := writePEM(privateKeyPath, pemPrivateKey, privateKey, 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Actor:       %s\n", keysFlags.actor)
	fmt.Fprintf(w, "Public Key:  %s\n", publicKeyPath)
	fmt.Fprintf(w, "Private Key: %s\n", privateKeyPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Key ring entry:")
	fmt.Fprintln(w, "actors:")
	fmt.Fprintf(w, "  %s: %q\n", keysFlags.actor, override.EncodePublicKey(publicKey))
	return nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	// #nosec G304 - user-specified output path is expected for a CLI tool.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, &pem.Block{Type: blockType, Bytes: key})
}

// loadPrivateKey reads a private key written by "keys generate".
func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 - user-specified key path is expected for a CLI tool.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivateKey {
		return nil, fmt.Errorf("%s: no %s PEM block", path, pemPrivateKey)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: unsupported private key length %d", path, len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// attest signs p with the key at path, or returns "" when path is empty.
func attest(path string, p override.Payload) (string, error) {
	if path == "" {
		return "", nil
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return "", err
	}
	return override.Sign(key, p)
}
