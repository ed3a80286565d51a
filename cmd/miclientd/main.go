// Package main provides the e2ee client daemon: it loads a config file,
// unlocks the local identity vault, and drives a ClientCore through its
// login/poll/send lifecycle until signaled to stop.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/config"
	"github.com/mi-e2ee/client/core"
)

var log = logging.MustGetLogger("mi-e2ee/daemon")

var logFormat = logging.MustStringFormatter(
	"%{level:.4s} %{id:03x} %{message}",
)
var ttyFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}",
)

const ioctlReadTermios = 0x5401
const ioctlWriteTermios = 0x5402

func isTerminal(fd int) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlReadTermios, uintptr(unsafe.Pointer(&termios)), 0, 0, 0)
	return err == 0
}

// readPassphrase reads a line from stdin with terminal echo disabled
// when stdin is a tty, restoring the previous mode before returning.
func readPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		return trimNewline(line), err
	}

	var oldState syscall.Termios
	if _, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlReadTermios, uintptr(unsafe.Pointer(&oldState)), 0, 0, 0); err != 0 {
		return "", fmt.Errorf("read termios: %v", err)
	}
	newState := oldState
	newState.Lflag &^= syscall.ECHO
	if _, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlWriteTermios, uintptr(unsafe.Pointer(&newState)), 0, 0, 0); err != 0 {
		return "", fmt.Errorf("write termios: %v", err)
	}
	defer syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlWriteTermios, uintptr(unsafe.Pointer(&oldState)), 0, 0, 0)

	fmt.Fprint(os.Stderr, "identity vault passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	fmt.Fprintln(os.Stderr)
	return trimNewline(line), err
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func stringToLogLevel(level string) (logging.Level, error) {
	switch level {
	case "DEBUG":
		return logging.DEBUG, nil
	case "INFO":
		return logging.INFO, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "WARNING":
		return logging.WARNING, nil
	case "ERROR":
		return logging.ERROR, nil
	case "CRITICAL":
		return logging.CRITICAL, nil
	}
	return -1, fmt.Errorf("invalid logging level %s", level)
}

func setupLoggerBackend(level logging.Level) logging.LeveledBackend {
	format := logFormat
	if isTerminal(int(os.Stderr.Fd())) {
		format = ttyFormat
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.NewBackendFormatter(backend, format)
	leveler := logging.AddModuleLevel(formatter)
	leveler.SetLevel(level, "mi-e2ee/daemon")
	leveler.SetLevel(level, "mi-e2ee/core")
	leveler.SetLevel(level, "mi-e2ee/channel")
	return leveler
}

// pollLoop drives ClientCore.Poll on a fixed interval until stop fires,
// the same periodic-retrieve pattern the teacher's session pool runs
// against the mixnet, here against the generic encrypted-transport
// frame instead.
func pollLoop(c *core.ClientCore, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Poll(); err != nil {
				log.Warningf("daemon: poll failed: %v", err)
			}
		}
	}
}

func main() {
	var configFilePath string
	var dataDir string
	var username string
	var logLevel string

	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.StringVar(&dataDir, "data-dir", "", "directory for persisted client state")
	flag.StringVar(&username, "login", "", "username to log in as on startup")
	flag.StringVar(&logLevel, "log_level", "INFO", "DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	flag.Parse()

	if configFilePath == "" || dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: miclientd -config <file> -data-dir <dir> [-login <username>]")
		os.Exit(1)
	}

	level, err := stringToLogLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.SetBackend(setupLoggerBackend(level))

	cfg, err := config.FromFile(configFilePath)
	if err != nil {
		log.Criticalf("daemon: load config: %v", err)
		os.Exit(1)
	}

	passphrase, err := readPassphrase()
	if err != nil {
		log.Criticalf("daemon: read passphrase: %v", err)
		os.Exit(1)
	}

	c, err := core.New(cfg, dataDir, passphrase)
	if err != nil {
		log.Criticalf("daemon: init core: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	if username != "" {
		fmt.Fprint(os.Stderr, "password: ")
		password, err := readPassphrase()
		if err != nil {
			log.Criticalf("daemon: read password: %v", err)
			os.Exit(1)
		}
		if err := c.Login(username, password); err != nil {
			log.Criticalf("daemon: login failed: %v", err)
			os.Exit(1)
		}
		if err := c.PublishPrekeyBundle(); err != nil {
			log.Warningf("daemon: publish prekey bundle: %v", err)
		}
	}

	stop := make(chan struct{})
	go pollLoop(c, 5*time.Second, stop)

	go func() {
		for event := range c.Inbound() {
			if event.GroupID != "" {
				log.Noticef("daemon: [%s/%s] envelope type %d", event.GroupID, event.Peer, event.Envelope.Header.Type)
			} else {
				log.Noticef("daemon: [%s] envelope type %d", event.Peer, event.Envelope.Header.Type)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Notice("daemon: startup complete")
	<-sigChan
	close(stop)
	log.Notice("daemon: shutting down")
	if username != "" {
		if err := c.Logout(); err != nil {
			log.Warningf("daemon: logout: %v", err)
		}
	}
}
