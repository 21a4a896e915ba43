package shell

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"os"
	"strings"

	"github.com/abiosoft/ishell"

	"github.com/cpu/acmed/acme/keys"
	"github.com/cpu/acmed/acme/resources"
)

func addCommands(sh *ishell.Shell) {
	sh.AddCmd(&ishell.Cmd{
		Name: "directory",
		Help: "Print the ACME server's directory object",
		Func: directoryHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "register",
		Help: "Register a new ACME account (-contact, -eab-kid, -eab-key)",
		Func: registerHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "whoami",
		Help: "Print the currently managed account",
		Func: whoamiHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "order",
		Help: "Provision a certificate for one or more comma separated domains",
		Func: orderHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "rollover",
		Help: "Rotate the account key (-type ecdsa-p256|ecdsa-p384|rsa-2048|rsa-4096|ed25519)",
		Func: rolloverHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "deactivate",
		Help: "Deactivate the current account",
		Func: deactivateHandler,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "revoke",
		Help: "Revoke a certificate: revoke <cert.pem> <key.pem> [-reason <code>]",
		Func: revokeHandler,
	})
}

func directoryHandler(c *ishell.Context) {
	client := getClient(c)
	dir, err := client.Directory(getCtx(c))
	if err != nil {
		c.Printf("directory: %s\n", err)
		return
	}
	for name, url := range dir {
		c.Printf("%-20s %v\n", name, url)
	}
}

func registerHandler(c *ishell.Context) {
	flags := flag.NewFlagSet("register", flag.ContinueOnError)
	contact := flags.String("contact", "", "Contact email address")
	eabKeyID := flags.String("eab-kid", "", "External Account Binding key identifier")
	eabKey := flags.String("eab-key", "", "External Account Binding base64url MAC key")
	if err := flags.Parse(c.Args); err != nil {
		return
	}

	var contacts []string
	if *contact != "" {
		contacts = []string{"mailto:" + *contact}
	}

	var eab *resources.EABCredentials
	if *eabKeyID != "" {
		key, err := base64.RawURLEncoding.DecodeString(*eabKey)
		if err != nil {
			c.Printf("register: decoding -eab-key: %s\n", err)
			return
		}
		eab = &resources.EABCredentials{KeyID: *eabKeyID, Key: key}
	}

	mgr := getManager(c)
	acct, err := mgr.Register(getCtx(c), contacts, eab)
	if err != nil {
		c.Printf("register: %s\n", err)
		return
	}
	c.Printf("registered account %s\n", acct.ID)
}

func whoamiHandler(c *ishell.Context) {
	mgr := getManager(c)
	acct := mgr.Account()
	if acct == nil {
		c.Println("no account registered yet; use 'register' first")
		return
	}
	c.Printf("id:      %s\n", acct.ID)
	c.Printf("status:  %s\n", acct.Status)
	c.Printf("contact: %s\n", strings.Join(acct.Contact, ", "))
	c.Printf("thumb:   %s\n", mgr.Thumbprint())
}

func orderHandler(c *ishell.Context) {
	if len(c.Args) == 0 {
		c.Println("order: at least one domain is required")
		return
	}
	var domains []string
	for _, arg := range c.Args {
		for _, d := range strings.Split(arg, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
	}

	orch := getOrchestrator(c)
	c.Printf("provisioning certificate for %s ...\n", strings.Join(domains, ", "))
	bundle, err := orch.Run(getCtx(c), domains)
	if err != nil {
		c.Printf("order: %s\n", err)
		return
	}
	c.Printf("issued certificate, serial %s, expires %s\n",
		bundle.SerialNumber(), bundle.NotAfter())
}

func rolloverHandler(c *ishell.Context) {
	flags := flag.NewFlagSet("rollover", flag.ContinueOnError)
	keyType := flags.String("type", string(keys.KeyTypeECDSAP256), "New account key type")
	if err := flags.Parse(c.Args); err != nil {
		return
	}

	mgr := getManager(c)
	if err := mgr.Rollover(getCtx(c), keys.KeyType(*keyType)); err != nil {
		c.Printf("rollover: %s\n", err)
		return
	}
	c.Printf("rolled over account key to %s, new thumbprint %s\n", *keyType, mgr.Thumbprint())
}

func deactivateHandler(c *ishell.Context) {
	mgr := getManager(c)
	if err := mgr.Deactivate(getCtx(c)); err != nil {
		c.Printf("deactivate: %s\n", err)
		return
	}
	c.Println("account deactivated")
}

func revokeHandler(c *ishell.Context) {
	if len(c.Args) < 2 {
		c.Println("revoke: usage: revoke <cert.pem> <key.pem> [-reason <code>]")
		return
	}
	certPath, keyPath := c.Args[0], c.Args[1]
	reason := 0
	if len(c.Args) > 2 {
		flags := flag.NewFlagSet("revoke", flag.ContinueOnError)
		reasonFlag := flags.Int("reason", 0, "RFC 5280 revocation reason code")
		if err := flags.Parse(c.Args[2:]); err == nil {
			reason = *reasonFlag
		}
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		c.Printf("revoke: reading %s: %s\n", certPath, err)
		return
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		c.Printf("revoke: reading %s: %s\n", keyPath, err)
		return
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		c.Println("revoke: no PEM block found in certificate file")
		return
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		c.Printf("revoke: parsing certificate: %s\n", err)
		return
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		c.Println("revoke: no PEM block found in key file")
		return
	}
	signer, err := keys.UnmarshalSigner(keyBlock.Bytes, "")
	if err != nil {
		c.Printf("revoke: parsing key: %s\n", err)
		return
	}

	client := getClient(c)
	mgr := getManager(c)
	if err := client.RevokeCertificate(getCtx(c), mgr.Account(), cert.Raw, signer, reason); err != nil {
		c.Printf("revoke: %s\n", err)
		return
	}
	c.Println("certificate revoked")
}
