// Package config loads the static slave-address/topology
// configuration and validates cycle-time settings. The configuration
// file is ini-formatted: one [Master] section plus one [SlaveN]
// section per configured address.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	sercos "github.com/go-sercos/master"
)

// SlaveConfig is one manually-configured slave entry, compared
// against the discovered set at CP0.
type SlaveConfig struct {
	Name          string
	Address       uint16 // Sercos address, 1..511
	CycleMultiple uint8
	HotPlug       bool

	// CyclicDataLength is the byte length of this slave's one producer
	// (master->slave, MDT) and one consumer (slave->master, AT)
	// connection, placed by FillConnInfo at CP3. A real
	// deployment configures an arbitrary set of named connections from
	// an IDN list; this core models the common single-process-image
	// case, one connection pair per slave.
	CyclicDataLength int
}

// TimingMethod selects where within the Sercos cycle the UC-channel
// window sits relative to the MDT and AT blocks.
type TimingMethod uint8

const (
	TimingMDTATUCC TimingMethod = iota // MDTs, ATs, then UC channel
	TimingMDTUCCAT                     // MDTs, UC channel, then ATs
	TimingATCycleEnd                   // ATs moved to the cycle end
)

func (t TimingMethod) String() string {
	switch t {
	case TimingMDTATUCC:
		return "mdt-at-ucc"
	case TimingMDTUCCAT:
		return "mdt-ucc-at"
	case TimingATCycleEnd:
		return "at-cycle-end"
	default:
		return "unknown"
	}
}

func parseTimingMethod(s string) (TimingMethod, error) {
	switch s {
	case "", "mdt-at-ucc":
		return TimingMDTATUCC, nil
	case "mdt-ucc-at":
		return TimingMDTUCCAT, nil
	case "at-cycle-end":
		return TimingATCycleEnd, nil
	default:
		return 0, fmt.Errorf("%w: unknown timing method %q", sercos.ErrIllegalArgument, s)
	}
}

// Config is the master's static startup configuration.
type Config struct {
	CycleTimeCP0   time.Duration
	CycleTimeCP1_2 time.Duration
	CycleTimeCP3_4 time.Duration

	Retries        int
	TimeoutSec     float64
	SwitchBackGap  time.Duration
	SVCBusyTimeout time.Duration // per-slave SVC busy timeout, typically 1s

	RingMode          bool
	AcceptedTelLosses int // consecutive non-traversing cycles tolerated before DefectRing

	TimingMethod       TimingMethod
	UCCBandwidth       time.Duration // per-cycle UC-channel window; 0 leaves the UC channel closed
	CommVersion        uint16        // communication version advertised in every MST
	SoftMasterJitterNs uint32        // declared master jitter, written to every slave's S-0-1023

	// DetectSlaveConfig adopts whatever slave set answers at CP0;
	// false requires every configured (non-hot-plug) slave to answer.
	DetectSlaveConfig    bool
	ClearErrorsOnStartup bool // run the reset-diagnostics command on every slave at CP2 entry

	MTU       int     // telegram payload arena size per slot
	MasterMAC [6]byte // source MAC stamped on every composed telegram

	Slaves []SlaveConfig
}

// Load parses file (path, []byte, or io.Reader, per ini.Load's own
// accepted input types) into a Config and validates cycle times.
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		Retries:           3,
		TimeoutSec:        5,
		AcceptedTelLosses: 2,
		MTU:               512,
		MasterMAC:         [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	}

	master := f.Section("Master")
	cfg.CycleTimeCP0 = time.Duration(master.Key("CycleTimeCP0Ns").MustInt64(1_000_000)) * time.Nanosecond
	cfg.CycleTimeCP1_2 = time.Duration(master.Key("CycleTimeCP1_2Ns").MustInt64(1_000_000)) * time.Nanosecond
	cfg.CycleTimeCP3_4 = time.Duration(master.Key("CycleTimeCP3_4Ns").MustInt64(1_000_000)) * time.Nanosecond
	cfg.Retries = master.Key("Retries").MustInt(3)
	cfg.TimeoutSec = master.Key("TimeoutSec").MustFloat64(5)
	cfg.SwitchBackGap = time.Duration(master.Key("SwitchBackGapMs").MustInt64(0)) * time.Millisecond
	cfg.SVCBusyTimeout = time.Duration(master.Key("SvcBusyTimeoutMs").MustInt64(1000)) * time.Millisecond
	cfg.RingMode = master.Key("RingMode").MustBool(false)
	cfg.AcceptedTelLosses = master.Key("AcceptedTelLosses").MustInt(2)
	cfg.MTU = master.Key("MTU").MustInt(512)

	method, err := parseTimingMethod(master.Key("TimingMethod").String())
	if err != nil {
		return nil, err
	}
	cfg.TimingMethod = method
	cfg.UCCBandwidth = time.Duration(master.Key("UccBandwidthNs").MustInt64(0)) * time.Nanosecond
	cfg.CommVersion = uint16(master.Key("CommVersion").MustUint(1))
	cfg.SoftMasterJitterNs = uint32(master.Key("SoftMasterJitterNs").MustUint(0))
	cfg.DetectSlaveConfig = master.Key("DetectSlaveConfig").MustBool(false)
	cfg.ClearErrorsOnStartup = master.Key("ClearErrorsOnStartup").MustBool(false)

	for _, section := range f.Sections() {
		if !isSlaveSection(section.Name()) {
			continue
		}
		sc := SlaveConfig{
			Name:             section.Name(),
			Address:          uint16(section.Key("Address").MustUint(0)),
			CycleMultiple:    uint8(section.Key("CycleMultiple").MustUint(1)),
			HotPlug:          section.Key("HotPlug").MustBool(false),
			CyclicDataLength: section.Key("CyclicDataLength").MustInt(4),
		}
		if sc.Address == 0 || sc.Address > 511 {
			return nil, fmt.Errorf("%w: slave %q has invalid address %d", sercos.ErrIllegalArgument, sc.Name, sc.Address)
		}
		cfg.Slaves = append(cfg.Slaves, sc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isSlaveSection(name string) bool {
	if len(name) < 6 || name[:5] != "Slave" {
		return false
	}
	for _, r := range name[5:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks every cycle time against the cycle-time-validity
// rule and checks for duplicate slave addresses.
func (c *Config) Validate() error {
	if err := ValidateCycleTime(c.CycleTimeCP0, true); err != nil {
		return fmt.Errorf("CycleTimeCP0: %w", err)
	}
	if err := ValidateCycleTime(c.CycleTimeCP1_2, true); err != nil {
		return fmt.Errorf("CycleTimeCP1_2: %w", err)
	}
	if err := ValidateCycleTime(c.CycleTimeCP3_4, false); err != nil {
		return fmt.Errorf("CycleTimeCP3_4: %w", err)
	}

	seen := make(map[uint16]bool)
	for _, s := range c.Slaves {
		if seen[s.Address] {
			return fmt.Errorf("%w: duplicate slave address %d", sercos.ErrIllegalArgument, s.Address)
		}
		seen[s.Address] = true
	}
	return nil
}

// ValidateCycleTime implements the Sercos cycle-time rule: for
// cycle_time >= 250us, the value must be a multiple of 250us and
// <= 65ms; below 250us, only {31.25us, 62.5us, 125us} are accepted.
// requireAtLeast1ms additionally enforces the CP0/CP1/CP2 floor.
func ValidateCycleTime(d time.Duration, requireAtLeast1ms bool) error {
	if requireAtLeast1ms && d < time.Millisecond {
		return fmt.Errorf("%w: %s is below the 1ms CP0/CP1/CP2 floor", sercos.ErrCycleTimeInvalid, d)
	}
	switch {
	case d >= 250*time.Microsecond:
		if d > 65*time.Millisecond {
			return fmt.Errorf("%w: %s exceeds 65ms", sercos.ErrCycleTimeInvalid, d)
		}
		if d%(250*time.Microsecond) != 0 {
			return fmt.Errorf("%w: %s is not a multiple of 250us", sercos.ErrCycleTimeInvalid, d)
		}
	case d == 31250*time.Nanosecond, d == 62500*time.Nanosecond, d == 125*time.Microsecond:
		// allowed sub-250us values
	default:
		return fmt.Errorf("%w: %s is not one of the accepted sub-250us values", sercos.ErrCycleTimeInvalid, d)
	}
	return nil
}
