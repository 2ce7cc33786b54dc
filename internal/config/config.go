// Package config loads and validates camtrail's two INI configuration
// files (client.ini and server.ini). Following the teacher's Load()
// pattern, each loader reads a file, unmarshals it with a library, applies
// validation, and aborts the process via log.Fatal on any invalid value —
// configuration errors are not recoverable and must not propagate past
// startup.
package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// TimeOfDay is a wall-clock time with second resolution, used for
// VideoCutTime and ClientStoppingPoint.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// Duration returns the time elapsed since midnight for t.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute + time.Duration(t.Second)*time.Second
}

var timeOfDayPattern = regexp.MustCompile(`^(?:[01][0-9]|2[0-3]):[0-5][0-9]:[0-5][0-9]$`)

func parseTimeOfDay(s string) (TimeOfDay, error) {
	if !timeOfDayPattern.MatchString(s) {
		return TimeOfDay{}, fmt.Errorf("config: %q is not a valid HH:MM:SS time", s)
	}
	var h, m, sec int
	fmt.Sscanf(s, "%02d:%02d:%02d", &h, &m, &sec)
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}

// ClientConfig holds client.ini's settings.
type ClientConfig struct {
	DebugMode bool

	ServerIP              string
	ServerPort            int
	WaitAfterFrame        float64
	RetryAfterServerCrash int

	CaptureDevice       int
	UseCustomResolution bool
	CustomFrameHeight   int
	CustomFrameWidth    int
}

// ServerConfig holds server.ini's settings.
type ServerConfig struct {
	DebugMode bool

	ServerIP            string
	ServerPort          int
	ClientStoppingPoint *TimeOfDay // nil means "None"

	DefaultHeight           int
	DefaultWidth            int
	FFMPEGOutputFileOptions string
	OutputFileExtension     string
	VideoCutTime            *time.Duration // nil means "None"
	ConcatAmount            int

	StoragePath                     string
	FreeStorageAmountBeforeDeleting int64

	ConsecutiveFFMPEGThreads int

	WebserverHost       string
	WebserverPort       int
	WebserverTableWidth int
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: port %d out of range [1,65535]", port)
	}
	return nil
}

func checkIP(addr string) error {
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("config: %q is not a valid IP address", addr)
	}
	return nil
}

// LoadClient reads and validates client.ini at path, aborting the process
// on any error.
func LoadClient(path string) *ClientConfig {
	f, err := ini.Load(path)
	if err != nil {
		log.Fatalf("config: read %s: %v", path, err)
	}

	cfg := &ClientConfig{}
	cfg.DebugMode = f.Section("DEVELOPER").Key("DebugMode").MustBool(false)

	netSec := f.Section("Network")
	cfg.ServerIP = netSec.Key("ServerIP").String()
	cfg.ServerPort = netSec.Key("ServerPort").MustInt()
	cfg.WaitAfterFrame = netSec.Key("WaitAfterFrame").MustFloat64()
	cfg.RetryAfterServerCrash = netSec.Key("RetryAfterServerCrash").MustInt()

	vc := f.Section("VideoCapture")
	cfg.CaptureDevice = vc.Key("CaptureDevice").MustInt()
	cfg.UseCustomResolution = vc.Key("UseCustomResolution").MustBool(false)
	cfg.CustomFrameHeight = vc.Key("CustomFrameHeight").MustInt()
	cfg.CustomFrameWidth = vc.Key("CustomFrameWidth").MustInt()

	if err := checkIP(cfg.ServerIP); err != nil {
		log.Fatal(err)
	}
	if err := checkPort(cfg.ServerPort); err != nil {
		log.Fatal(err)
	}
	if cfg.CaptureDevice < 0 {
		log.Fatal("config: CaptureDevice must be >= 0")
	}
	if cfg.CustomFrameHeight < 0 || cfg.CustomFrameWidth < 0 {
		log.Fatal("config: CustomFrameHeight/CustomFrameWidth must be >= 0")
	}
	if cfg.RetryAfterServerCrash < 0 {
		log.Fatal("config: RetryAfterServerCrash must be >= 0")
	}

	return cfg
}

// LoadServer reads and validates server.ini at path, aborting the process
// on any error.
func LoadServer(path string) *ServerConfig {
	f, err := ini.Load(path)
	if err != nil {
		log.Fatalf("config: read %s: %v", path, err)
	}

	cfg := &ServerConfig{}
	cfg.DebugMode = f.Section("DEVELOPER").Key("DebugMode").MustBool(false)

	if err := cfg.loadNetwork(f); err != nil {
		log.Fatal(err)
	}
	if err := cfg.loadVideo(f); err != nil {
		log.Fatal(err)
	}
	if err := cfg.loadStorage(f); err != nil {
		log.Fatal(err)
	}
	if err := cfg.loadProcesses(f); err != nil {
		log.Fatal(err)
	}
	if err := cfg.loadWebserver(f); err != nil {
		log.Fatal(err)
	}

	return cfg
}

func (cfg *ServerConfig) loadNetwork(f *ini.File) error {
	sec := f.Section("Network")
	cfg.ServerIP = sec.Key("ServerIP").String()
	cfg.ServerPort = sec.Key("ServerPort").MustInt()

	if err := checkIP(cfg.ServerIP); err != nil {
		return err
	}
	if err := checkPort(cfg.ServerPort); err != nil {
		return err
	}

	raw := strings.TrimSpace(sec.Key("ClientStoppingPoint").String())
	if raw == "" || raw == "None" {
		cfg.ClientStoppingPoint = nil
		return nil
	}
	tod, err := parseTimeOfDay(raw)
	if err != nil {
		return fmt.Errorf("config: ClientStoppingPoint: %w", err)
	}
	cfg.ClientStoppingPoint = &tod
	return nil
}

func (cfg *ServerConfig) loadVideo(f *ini.File) error {
	sec := f.Section("Video")
	cfg.DefaultHeight = sec.Key("DefaultHeight").MustInt()
	cfg.DefaultWidth = sec.Key("DefaultWidth").MustInt()
	cfg.FFMPEGOutputFileOptions = strings.TrimSpace(sec.Key("FFMPEGOutputFileOptions").String())
	cfg.OutputFileExtension = sec.Key("OutputFileExtension").String()
	cfg.ConcatAmount = sec.Key("ConcatAmount").MustInt()

	if cfg.DefaultHeight <= 0 || cfg.DefaultWidth <= 0 {
		return fmt.Errorf("config: DefaultHeight/DefaultWidth must be > 0")
	}
	if strings.Contains(cfg.FFMPEGOutputFileOptions, "&&") {
		return fmt.Errorf("config: FFMPEGOutputFileOptions must not contain '&&'")
	}
	if cfg.ConcatAmount < 1 {
		return fmt.Errorf("config: ConcatAmount must be >= 1")
	}

	raw := strings.TrimSpace(sec.Key("VideoCutTime").String())
	if raw == "" || raw == "None" {
		cfg.VideoCutTime = nil
		return nil
	}
	if raw == "00:00:00" {
		return fmt.Errorf("config: VideoCutTime must not be 00:00:00")
	}
	tod, err := parseTimeOfDay(raw)
	if err != nil {
		return fmt.Errorf("config: VideoCutTime: %w", err)
	}
	d := tod.Duration()
	cfg.VideoCutTime = &d
	return nil
}

func (cfg *ServerConfig) loadStorage(f *ini.File) error {
	sec := f.Section("Storage")
	cfg.StoragePath = sec.Key("StoragePath").String()
	cfg.FreeStorageAmountBeforeDeleting = sec.Key("FreeStorageAmountBeforeDeleting").MustInt64()

	info, err := os.Stat(cfg.StoragePath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("config: StoragePath %q does not exist", cfg.StoragePath)
	}
	if cfg.FreeStorageAmountBeforeDeleting <= 0 {
		return fmt.Errorf("config: FreeStorageAmountBeforeDeleting must be > 0")
	}
	return nil
}

func (cfg *ServerConfig) loadProcesses(f *ini.File) error {
	cfg.ConsecutiveFFMPEGThreads = f.Section("Processes").Key("ConsecutiveFFMPEGThreads").MustInt()
	if cfg.ConsecutiveFFMPEGThreads <= 0 {
		return fmt.Errorf("config: ConsecutiveFFMPEGThreads must be > 0")
	}
	return nil
}

func (cfg *ServerConfig) loadWebserver(f *ini.File) error {
	sec := f.Section("Webserver")
	cfg.WebserverHost = sec.Key("WebserverHost").String()
	cfg.WebserverPort = sec.Key("WebserverPort").MustInt()
	cfg.WebserverTableWidth = sec.Key("WebserverTableWidth").MustInt()

	if err := checkIP(cfg.WebserverHost); err != nil {
		return err
	}
	if err := checkPort(cfg.WebserverPort); err != nil {
		return err
	}
	if cfg.WebserverTableWidth < 1 {
		return fmt.Errorf("config: WebserverTableWidth must be >= 1")
	}
	return nil
}
