package cloudinit

import (
	"context"
	"fmt"
	"os"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
)

// isoPaddingBytes covers the three seed files plus ISO-9660 directory and
// volume-descriptor overhead; actual seeds are a few KiB, so this is
// generously sized without imposing a meaningful footprint.
const isoPaddingBytes = 8 * 1024 * 1024

// Build renders cfg into a cidata-labelled ISO-9660 image at isoPath. vmDir
// is where a generated SSH private key, if any, is saved.
func (b *Builder) Build(ctx context.Context, cfg types.VMConfig, vmDir, isoPath string) (Result, error) {
	userDataDoc, generatedKey, generatedPassword, secretsUsed, err := b.renderUserData(ctx, cfg, vmDir)
	if err != nil {
		return Result{}, err
	}
	metaDataDoc, err := renderMetaData(cfg.Name)
	if err != nil {
		return Result{}, err
	}
	networkConfigDoc, err := renderNetworkConfig(cfg.NetworkMode)
	if err != nil {
		return Result{}, err
	}

	if _, err := os.Stat(isoPath); err == nil {
		return Result{}, types.NewError(types.ErrAlreadyExists, isoPath, nil)
	}

	d, err := diskfs.Create(isoPath, isoPaddingBytes, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return Result{}, types.NewError(types.ErrInternal, isoPath, fmt.Errorf("create seed image: %w", err))
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: "cidata",
	})
	if err != nil {
		return Result{}, types.NewError(types.ErrInternal, isoPath, fmt.Errorf("create iso9660 filesystem: %w", err))
	}

	if err := writeSeedFile(fs, "/user-data", userDataDoc); err != nil {
		return Result{}, err
	}
	if err := writeSeedFile(fs, "/meta-data", metaDataDoc); err != nil {
		return Result{}, err
	}
	if networkConfigDoc != "" {
		if err := writeSeedFile(fs, "/network-config", networkConfigDoc); err != nil {
			return Result{}, err
		}
	}

	if iso, ok := fs.(*iso9660.FileSystem); ok {
		if err := iso.Finalize(iso9660.FinalizeOptions{}); err != nil {
			return Result{}, types.NewError(types.ErrInternal, isoPath, fmt.Errorf("finalize seed image: %w", err))
		}
	}

	return Result{ISOPath: isoPath, GeneratedSSHKey: generatedKey, GeneratedPassword: generatedPassword, SecretsUsed: secretsUsed}, nil
}

func writeSeedFile(fs filesystem.FileSystem, path, content string) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return types.NewError(types.ErrInternal, path, fmt.Errorf("open seed entry: %w", err))
	}
	if _, err := f.Write([]byte(content)); err != nil {
		return types.NewError(types.ErrInternal, path, fmt.Errorf("write seed entry: %w", err))
	}
	return nil
}
