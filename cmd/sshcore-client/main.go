// Command sshcore-client is a thin CLI around the sshcore/ssh package: a
// worked example of Dial + authentication + OpenShell/ExecCommand/
// ListenForwardedPort, the client-side counterpart to ssh-ify's server
// cmd/ssh-ify entry point.
//
// Usage:
//
//	sshcore-client -host host:22 -user alice [-password ...] [-identity key.pem] -exec "uname -a"
//	sshcore-client -host host:22 -user alice -identity key.pem -shell
//	sshcore-client -host host:22 -user alice -password ... -remote-forward 0.0.0.0:8080
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"sshcore/internal/config"
	"sshcore/internal/kex"
	"sshcore/internal/keyload"
	"sshcore/ssh"
)

func main() {
	var (
		host        = flag.String("host", "", "server address, host:port")
		user        = flag.String("user", "", "username to authenticate as")
		password    = flag.String("password", "", "authenticate with password")
		identity    = flag.String("identity", "", "authenticate with a private key file")
		passphrase  = flag.String("passphrase", "", "passphrase for -identity, if encrypted")
		execCommand = flag.String("exec", "", "run a remote command instead of a shell")
		shell       = flag.Bool("shell", false, "open an interactive remote shell")
		remoteFwd   = flag.String("remote-forward", "", "addr:port to request the server bind and forward back")
		insecure    = flag.Bool("insecure-ignore-host-key", false, "accept any host key (testing only)")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *host == "" || *user == "" {
		printUsage()
		os.Exit(1)
	}

	cfg := ssh.Config{
		User:            *user,
		HostKeyCallback: hostKeyCallback(*insecure),
	}

	switch {
	case *password != "":
		cfg.Auth = append(cfg.Auth, ssh.Password(*password))
	case *identity != "":
		signer, err := keyload.FromFile(*identity, []byte(*passphrase))
		if err != nil {
			fatal(err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeyMethod(signer))
	default:
		cfg.Auth = append(cfg.Auth, ssh.KeyboardInteractive(terminalPrompt))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := ssh.Dial(ctx, "tcp", *host, cfg)
	if err != nil {
		fatal(fmt.Errorf("connect: %w", err))
	}
	defer conn.Disconnect(0, "client exiting")

	switch {
	case *remoteFwd != "":
		runRemoteForward(conn, *remoteFwd)
	case *execCommand != "":
		runExec(conn, *execCommand)
	case *shell:
		runShell(conn)
	default:
		runExec(conn, "echo connected")
	}
}

func runExec(conn *ssh.Connection, command string) {
	ch, err := conn.ExecCommand(context.Background(), command)
	if err != nil {
		fatal(err)
	}
	io.Copy(os.Stdout, ch)
}

func runShell(conn *ssh.Connection) {
	ch, err := conn.OpenShell(context.Background())
	if err != nil {
		fatal(err)
	}
	go io.Copy(ch, os.Stdin)
	io.Copy(os.Stdout, ch)
}

func runRemoteForward(conn *ssh.Connection, addr string) {
	host, portStr, err := splitAddr(addr)
	if err != nil {
		fatal(err)
	}
	bound, err := conn.ListenForwardedPort(context.Background(), host, portStr,
		func(originatorAddr string, originatorPort uint32) (bool, uint32) { return true, 0 },
		func(ch *ssh.Channel) { io.Copy(io.Discard, ch) })
	if err != nil {
		fatal(err)
	}
	fmt.Printf("listening on remote port %d\n", bound)
	<-conn.Done()
}

func splitAddr(addr string) (string, uint32, error) {
	host, portStr, err := net.SplitHostPort(addr)
	var port uint32
	if err == nil {
		_, err = fmt.Sscanf(portStr, "%d", &port)
	}
	if err != nil {
		return "", 0, fmt.Errorf("invalid -remote-forward %q, want addr:port", addr)
	}
	return host, port, nil
}

func hostKeyCallback(insecure bool) ssh.HostKeyCallback {
	if insecure {
		return func(serverIdentity string, key kex.PublicKey) error { return nil }
	}
	khPath, err := config.GetKnownHostsPath()
	if err != nil {
		fatal(err)
	}
	kh, err := keyload.LoadKnownHosts(khPath)
	if err != nil {
		fatal(err)
	}
	return keyload.DefaultHostKeyCallback(kh, promptTrustOnFirstUse)
}

func promptTrustOnFirstUse(serverIdentity string, key kex.PublicKey) error {
	fmt.Fprintf(os.Stderr, "The authenticity of host %q can't be established.\n", serverIdentity)
	fmt.Fprintf(os.Stderr, "Key fingerprint is %s %x\n", key.Type(), key.Marshal())
	fmt.Fprint(os.Stderr, "Trust this host and continue connecting (yes/no)? ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	if line != "yes\n" && line != "y\n" {
		return fmt.Errorf("host key not trusted")
	}
	return nil
}

func terminalPrompt(name, instruction string, prompts []ssh.Prompt) ([]string, error) {
	if instruction != "" {
		fmt.Fprintln(os.Stderr, instruction)
	}
	answers := make([]string, len(prompts))
	reader := bufio.NewReader(os.Stdin)
	for i, p := range prompts {
		fmt.Fprint(os.Stderr, p.Text)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		answers[i] = trimNewline(line)
	}
	return answers, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "sshcore-client:", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "sshcore-client - SSH2 client built on sshcore/ssh")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sshcore-client -host <host:port> -user <name> [options]")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}
