// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// scp-sign computes the HS signature tables of an image on a simulated
// secure co-processor, optionally wrapping them in a signed note.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/mod/sumdb/note"
)

// Revision is set at link time (-ldflags "-X main.Revision=...").
var Revision string

const usage = `Usage: scp-sign [OPTIONS]
  -V                print revision
  -m <manifest>     signing manifest (YAML)
  -o <path>         output path (default: stdout)
  -k <key>          note signer private key file
  -p <key>          note verifier public key file, verify -i
  -i <path>         signed table to verify`

type Config struct {
	version bool

	manifest string
	output   string
	key      string

	verifierKey string
	input       string
}

var conf *Config

func init() {
	conf = &Config{}

	flag.Usage = func() {
		fmt.Println(usage)
	}

	flag.BoolVar(&conf.version, "V", false, "print revision")
	flag.StringVar(&conf.manifest, "m", "", "signing manifest")
	flag.StringVar(&conf.output, "o", "", "output path")
	flag.StringVar(&conf.key, "k", "", "note signer private key file")
	flag.StringVar(&conf.verifierKey, "p", "", "note verifier public key file")
	flag.StringVar(&conf.input, "i", "", "signed table to verify")
}

func readKey(path string) (string, error) {
	buf, err := os.ReadFile(path)
	return strings.TrimSpace(string(buf)), err
}

// signNote wraps text in a note signed with the skey private key.
func signNote(text []byte, skey string) ([]byte, error) {
	s, err := note.NewSigner(skey)

	if err != nil {
		return nil, fmt.Errorf("failed to instantiate signer, %v", err)
	}

	return note.Sign(&note.Note{Text: string(text)}, s)
}

// openNote verifies a signed note against the vkey public key.
func openNote(msg []byte, vkey string) (text string, err error) {
	v, err := note.NewVerifier(vkey)

	if err != nil {
		return "", fmt.Errorf("failed to instantiate verifier, %v", err)
	}

	n, err := note.Open(msg, note.VerifierList(v))

	if err != nil {
		return
	}

	if !strings.HasPrefix(n.Text, tableHeader+"\n") {
		return "", fmt.Errorf("note is not a signature table")
	}

	return n.Text, nil
}

func verify() {
	vkey, err := readKey(conf.verifierKey)

	if err != nil {
		glog.Exitf("could not read verifier key, %v", err)
	}

	msg, err := os.ReadFile(conf.input)

	if err != nil {
		glog.Exitf("could not read signed table, %v", err)
	}

	text, err := openNote(msg, vkey)

	if err != nil {
		glog.Exitf("signed table verification failed, %v", err)
	}

	fmt.Print(text)
}

func sign() {
	m, err := loadManifest(conf.manifest)

	if err != nil {
		glog.Exitf("could not load manifest, %v", err)
	}

	imem, err := m.image(m.IMEM)

	if err != nil {
		glog.Exitf("could not read IMEM image, %v", err)
	}

	dmem, err := m.image(m.DMEM)

	if err != nil {
		glog.Exitf("could not read DMEM image, %v", err)
	}

	t, err := Sign(m, imem, dmem)

	if err != nil {
		glog.Exitf("signing failed, %v", err)
	}

	out := t.Marshal()

	if conf.key != "" {
		skey, err := readKey(conf.key)

		if err != nil {
			glog.Exitf("could not read signer key, %v", err)
		}

		if out, err = signNote(out, skey); err != nil {
			glog.Exitf("could not sign table, %v", err)
		}
	}

	if conf.output == "" {
		os.Stdout.Write(out)
		return
	}

	if err = os.WriteFile(conf.output, out, 0644); err != nil {
		glog.Exitf("could not write output, %v", err)
	}

	glog.Infof("signature table written to %s", conf.output)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	switch {
	case conf.version:
		fmt.Printf("scp-sign %s\n", Revision)
	case conf.verifierKey != "":
		verify()
	case conf.manifest != "":
		sign()
	default:
		flag.Usage()
		os.Exit(1)
	}
}
