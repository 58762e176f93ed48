package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sbm/internal/bootctl"
	"sbm/internal/config"
	"sbm/internal/memdev"
	"sbm/internal/pdb"
	"sbm/internal/persist"
	"sbm/internal/piem"
	"sbm/internal/provtool"
	"sbm/internal/sbmcrypto"
	"sbm/internal/swup"
)

// defaultExecSize is the RAM-backed exec slot's capacity when no --exec
// file is supplied and the board profile names no on-chip flash size to
// fall back to.
const defaultExecSize = 1 << 20

func simulateBootCmd(loadProfile func() (config.FeatureSet, config.Devices, error)) *cobra.Command {
	var pdbPath string
	var appStatusPath string
	var execPath string
	var execSize int64
	var updatePaths []string
	var oemKeysPath string
	var securityWorldUUIDHex string
	var securityWorldIteration uint16
	var installedUUIDHex string
	var deviceUIDHex string

	cmd := &cobra.Command{
		Use:   "simulate-boot",
		Short: "Run the boot orchestrator against RAM- or file-backed slots, with no hardware attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, devices, err := loadProfile()
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			if execSize == 0 {
				execSize = devices.OnChipFlashSize
			}
			if execSize == 0 {
				execSize = defaultExecSize
			}

			pdbBytes, err := os.ReadFile(pdbPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", pdbPath, err)
			}
			store, err := pdb.Open(pdbBytes)
			if err != nil {
				return fmt.Errorf("open %s: %w", pdbPath, err)
			}

			registry, closers, err := buildSimulatedRegistry(appStatusPath, execPath, execSize, updatePaths)
			defer closeAll(closers)
			if err != nil {
				return fmt.Errorf("build simulated registry: %w", err)
			}

			var oemKeys *provtool.OEMKeys
			if oemKeysPath != "" {
				raw, err := os.ReadFile(oemKeysPath)
				if err != nil {
					return fmt.Errorf("read %s: %w", oemKeysPath, err)
				}
				oemKeys, err = provtool.ParseOEMKeysPEM(raw)
				if err != nil {
					return fmt.Errorf("parse %s: %w", oemKeysPath, err)
				}
			}

			securityWorldUUID, err := parseUUIDHex(securityWorldUUIDHex)
			if err != nil {
				return fmt.Errorf("--security-world-uuid: %w", err)
			}
			installedUUID, err := parseUUIDHex(installedUUIDHex)
			if err != nil {
				return fmt.Errorf("--installed-uuid: %w", err)
			}
			deviceUID, err := hex.DecodeString(deviceUIDHex)
			if err != nil {
				return fmt.Errorf("--device-uid: %w", err)
			}

			identitySlot, err := store.Find(pdb.PurposeIdentityKey<<12, 0, 0, 0xF000)
			if err != nil {
				return fmt.Errorf("locate device identity key slot: %w", err)
			}

			log := zerolog.New(os.Stderr).With().Timestamp().Logger()
			sink := newCLIStatusSink(log)
			p := persist.New(4096)

			var headerPub, seerPub, execPub *ecdsa.PublicKey
			if oemKeys != nil {
				headerPub = &oemKeys.Header.PublicKey
				seerPub = &oemKeys.SEER.PublicKey
				execPub = &oemKeys.Exec.PublicKey
			}

			deps := bootctl.Dependencies{
				SwupDeps: swup.Dependencies{
					SecurityWorldUUID:      securityWorldUUID,
					SecurityWorldIteration: securityWorldIteration,
					InstalledUUID:          installedUUID,
					FindUpdateKeyInstance:  findUpdateKeyInstance(store),
					VerifyHeaderSignature:  signatureVerifier(headerPub),
				},
				InstallDeps: func(c swup.Candidate) swup.InstallDependencies {
					return swup.InstallDependencies{
						Store:               store,
						EubDetailsKeySlot:   identitySlot,
						VerifySEERSignature: signatureVerifier(seerPub),
						VerifyExecSignature: signatureVerifier(execPub),
						AppStatus:           registry.AppStatus,
						Exec:                registry.Exec,
						InstalledUUID:       uuid.New(),
					}
				},
				DeviceUID:           deviceUID,
				VerifyExecSignature: signatureVerifier(execPub),
				HalRunApplication: func(execStart int64) error {
					fmt.Fprintf(os.Stderr, "[hal] transferring control to exec slot at offset %d\n", execStart)
					return nil
				},
				Now: func() int64 { return 0 },
			}

			outcome := bootctl.Boot(cfg, p, store, registry, deps, sink, log)
			if outcome.Fail != nil {
				return fmt.Errorf("boot failed at %s: %w", outcome.Fail.Stage, outcome.Fail.Err)
			}
			fmt.Fprintln(os.Stderr, "boot reached application launch")
			return nil
		},
	}

	cmd.Flags().StringVar(&pdbPath, "pdb", "", "Path to the provisioned data block (required)")
	cmd.Flags().StringVar(&appStatusPath, "app-status", "", "Backing file for the app_status slot (default: RAM-backed, empty)")
	cmd.Flags().StringVar(&execPath, "exec", "", "Backing file for the exec slot (default: RAM-backed, empty)")
	cmd.Flags().Int64Var(&execSize, "exec-size", 0, "Size of the RAM-backed exec slot when --exec is not given (default: on-chip flash size from the board profile, or 1MiB)")
	cmd.Flags().StringArrayVar(&updatePaths, "update", nil, "Backing file for an update[i] slot; repeat in on-chip-first, most-trusted-first order")
	cmd.Flags().StringVar(&oemKeysPath, "oem-keys", "", "Path to the OEM signing keyset, to actually verify signatures instead of treating every check as failed")
	cmd.Flags().StringVar(&securityWorldUUIDHex, "security-world-uuid", "00000000000000000000000000000000", "32 hex characters identifying this device's security world")
	cmd.Flags().Uint16Var(&securityWorldIteration, "security-world-iteration", 0, "Security world iteration counter")
	cmd.Flags().StringVar(&installedUUIDHex, "installed-uuid", "00000000000000000000000000000000", "32 hex characters naming the update already installed, if any")
	cmd.Flags().StringVar(&deviceUIDHex, "device-uid", "", "Hex-encoded device unique ID, for the provisioned-data hash check")
	cmd.MarkFlagRequired("pdb")
	return cmd
}

// signatureVerifier adapts an OEM public key into the hash/sig verifier
// shape swup and bootctl expect. A nil key means no keyset was supplied
// on the command line, so every signature is reported unverified rather
// than silently accepted.
func signatureVerifier(pub *ecdsa.PublicKey) func(hash [32]byte, sig [64]byte) (bool, error) {
	return func(hash [32]byte, sig [64]byte) (bool, error) {
		if pub == nil {
			return false, fmt.Errorf("sbmctl: no OEM keyset supplied, cannot verify signature")
		}
		return sbmcrypto.ECDSAVerify(pub, hash, sig), nil
	}
}

// findUpdateKeyInstance scans every update-key slot in store for one
// whose public key matches pub, the lookup Phase A needs to resolve an
// update package's claimed key instance to provisioned key material.
func findUpdateKeyInstance(store *pdb.Store) func(pub [64]byte) (uint8, bool) {
	return func(pub [64]byte) (uint8, bool) {
		n := store.Count(pdb.PurposeUpdateKey<<12, 0, 0xF000)
		for i := 0; i < n; i++ {
			idx, err := store.Find(pdb.PurposeUpdateKey<<12, 0, uint8(i), 0xF000)
			if err != nil {
				continue
			}
			candidate, err := store.PublicKey(idx)
			if err != nil {
				continue
			}
			if sbmcrypto.EncodePublicKey(candidate) == pub {
				return uint8(i), true
			}
		}
		return 0, false
	}
}

// buildSimulatedRegistry wires app_status, exec, and update[i] slots onto
// either RAM devices or mmap'd files, depending on which paths the
// caller supplied. It returns every opened *memdev.FileDevice so the
// caller can close them once the simulated boot completes.
func buildSimulatedRegistry(appStatusPath, execPath string, execSize int64, updatePaths []string) (*memdev.Registry, []*memdev.FileDevice, error) {
	var closers []*memdev.FileDevice
	r := memdev.NewRegistry()

	appStatusDev, closer, err := openOrRAMDevice(appStatusPath, "app_status", piem.HeaderSize, 0xFF)
	if err != nil {
		return nil, closers, fmt.Errorf("app_status device: %w", err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	r.AppStatus = &memdev.Slot{Name: memdev.SlotAppStatus, ID: 1, Device: appStatusDev, Start: 0, Size: appStatusDev.Size()}

	execDev, closer, err := openOrRAMDevice(execPath, "exec", execSize, 0xFF)
	if err != nil {
		return nil, closers, fmt.Errorf("exec device: %w", err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	r.Exec = &memdev.Slot{Name: memdev.SlotExec, ID: 2, Device: execDev, Start: 0, Size: execDev.Size()}

	for i, path := range updatePaths {
		dev, err := memdev.OpenFileDevice("update", path, 4096, 0xFF)
		if err != nil {
			return nil, closers, fmt.Errorf("update slot %d (%s): %w", i, path, err)
		}
		closers = append(closers, dev)
		r.UpdateSlots = append(r.UpdateSlots, &memdev.Slot{
			Name: memdev.UpdateSlotBase, ID: 10 + i, Device: dev, Start: 0, Size: dev.Size(),
		})
	}

	if err := r.Finalize(); err != nil {
		return nil, closers, err
	}
	return r, closers, nil
}

// openOrRAMDevice mmaps path if given, else allocates a RAM device of
// ramSize. The returned *memdev.FileDevice is non-nil only in the
// mmap'd case, so callers know what needs closing.
func openOrRAMDevice(path, name string, ramSize int64, eraseValue byte) (memdev.Device, *memdev.FileDevice, error) {
	if path == "" {
		return memdev.NewRAMDevice(name, ramSize, eraseValue), nil, nil
	}
	dev, err := memdev.OpenFileDevice(name, path, ramSize, eraseValue)
	if err != nil {
		return nil, nil, err
	}
	return dev, dev, nil
}

func closeAll(devices []*memdev.FileDevice) {
	for _, d := range devices {
		d.Close()
	}
}
