// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of model parameters
// (a models.StateDict) plus metadata to files.
//
// A checkpoint is a pair of files sharing a base path: "<base>.json" with the metadata and the
// position of each parameter, and "<base>.bin" with the parameter values, by default gzip compressed.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Example:
//
//	handler, err := checkpoints.Build(conf.ModelPath).Keep(3).Done()
//	if err != nil { ... }
//	path, err := handler.Save(conf.ModelName, models.StateDictOf(model), checkpoints.Metadata{Epoch: epoch})
//	...
//	sd, meta, err := checkpoints.Load(path)
package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/trainkit/pkg/core/tensors"
	"github.com/gomlx/trainkit/pkg/ml/models"
	"github.com/gomlx/trainkit/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrNotFound is returned when loading a checkpoint that doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")
)

const (
	// JsonNameSuffix for the JSON files with the checkpoint metadata.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values).
	BinDataSuffix = ".bin"

	// BackupInfix separates the base name and the backup number in backup checkpoints: "<name>-backup-<n>".
	BackupInfix = "-backup-"
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	dir       string
	keep      int
	binFormat BinFormat
	err       error
}

// Build a configuration for building a checkpoints.Handler that saves checkpoints in dir.
// A "~" prefix in dir is expanded to the user's home directory.
//
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(dir string) *Config {
	c := &Config{keep: -1, binFormat: BinGZIP}
	c.dir, c.err = fsutil.ReplaceTildeInDir(dir)
	if c.err == nil && dir == "" {
		c.err = errors.New("checkpoints.Build requires a directory")
	}
	return c
}

// Keep configures the number of backup checkpoints to keep: after a new backup is saved the
// oldest ones (with lowest backup number) are removed. Best model checkpoints saved with
// Handler.Save are never removed.
//
// A value < 0 (the default) keeps all backups.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression defines the compression format of the binary files. The default mode is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.err = errors.Wrapf(ErrUnsupportedCompression, "format %d", bf)
	}
	c.binFormat = bf
	return c
}

// Done creates the checkpoint directory if needed, and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if err := fsutil.EnsureDir(c.dir); err != nil {
		return nil, errors.WithMessage(err, "creating checkpoints directory")
	}
	return &Handler{config: *c}, nil
}

// Handler saves and loads checkpoints in a directory. It's safe for concurrent use.
type Handler struct {
	config Config
	mu     sync.Mutex
}

// Metadata saved along with a checkpoint.
type Metadata struct {
	// Name of the checkpoint (the base name of its files).
	Name string

	// Epoch at which the checkpoint was saved.
	Epoch int

	// Metrics of the epoch, e.g. "loss valid".
	Metrics map[string]float64 `json:",omitempty"`

	// Labels holds extra information, e.g. the tracking run name.
	Labels map[string]string `json:",omitempty"`

	// CreatedAt is set by Save.
	CreatedAt time.Time
}

// Info is the contents of the metadata file of a checkpoint.
type Info struct {
	Metadata

	// Variables in the order they were saved, with their position in the binary file.
	Variables []VariableInfo

	// BinFormat describes the format used by the binary file.
	// The current valid values are "gzip" and "uncompressed"
	BinFormat string
}

// VariableInfo describes one saved parameter.
type VariableInfo struct {
	// ParameterName is the StateDict entry name.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// Pos, Length in bytes in the uncompressed data.
	Pos, Length int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where checkpoints are saved.
func (h *Handler) Dir() string { return h.config.dir }

// Path returns the base path (without suffixes) of the checkpoint with the given name.
func (h *Handler) Path(name string) string {
	return filepath.Join(h.config.dir, name)
}

// Files returns the metadata and data file paths of the checkpoint with the given base path.
func Files(basePath string) (jsonPath, binPath string) {
	basePath = TrimSuffixes(basePath)
	return basePath + JsonNameSuffix, basePath + BinDataSuffix
}

// TrimSuffixes removes the JsonNameSuffix or BinDataSuffix from path, if present.
func TrimSuffixes(path string) string {
	path = strings.TrimSuffix(path, JsonNameSuffix)
	return strings.TrimSuffix(path, BinDataSuffix)
}

// Save writes the checkpoint with the given name, replacing any previous checkpoint with the same name.
// It returns the absolute base path of the checkpoint, which can be given to Load.
//
// The files are first written to temporary files and then renamed, so a concurrent Load sees either
// the old or the new checkpoint.
func (h *Handler) Save(name string, sd *models.StateDict, meta Metadata) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked(name, sd, meta)
}

func (h *Handler) saveLocked(name string, sd *models.StateDict, meta Metadata) (string, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", errors.Errorf("%s: invalid checkpoint name %q", h, name)
	}
	basePath, err := filepath.Abs(h.Path(name))
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to get absolute path", h)
	}
	meta.Name = name
	meta.CreatedAt = time.Now()
	serialized := Info{Metadata: meta, BinFormat: h.config.binFormat.String()}

	// Serialize values.
	var raw bytes.Buffer
	pos := 0
	for _, paramName := range sd.Names() {
		t := sd.Get(paramName)
		length := 8 * t.Size()
		for _, v := range t.Data() {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			raw.Write(buf[:])
		}
		serialized.Variables = append(serialized.Variables, VariableInfo{
			ParameterName: paramName,
			Dimensions:    t.Dimensions(),
			Pos:           pos,
			Length:        length,
		})
		pos += length
	}
	binContents, err := encodeBin(raw.Bytes(), h.config.binFormat)
	if err != nil {
		return "", errors.WithMessagef(err, "%s: encoding checkpoint %q", h, name)
	}
	jsonContents, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to encode checkpoint metadata %q", h, name)
	}

	jsonPath, binPath := Files(basePath)
	if err = fsutil.WriteFileAtomic(binPath, binContents, 0o660); err != nil {
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint data", h)
	}
	if err = fsutil.WriteFileAtomic(jsonPath, jsonContents, 0o660); err != nil {
		return "", errors.WithMessagef(err, "%s: failed to write checkpoint metadata", h)
	}
	klog.V(1).Infof("Saved checkpoint %q (%d parameters, epoch %d)", basePath, sd.Len(), meta.Epoch)
	return basePath, nil
}

// Load the checkpoint with the given name, or an absolute base path.
func (h *Handler) Load(nameOrPath string) (*models.StateDict, *Metadata, error) {
	if !filepath.IsAbs(nameOrPath) {
		nameOrPath = h.Path(nameOrPath)
	}
	return Load(nameOrPath)
}

var backupCountRegex = regexp.MustCompile(regexp.QuoteMeta(BackupInfix) + `(\d+)$`)

// BackupName returns the name of the backup number n of the checkpoints named prefix: "<prefix>-backup-<n>".
func BackupName(prefix string, n int) string {
	return fmt.Sprintf("%s%s%d", prefix, BackupInfix, n)
}

// SaveBackup saves backup number n of the checkpoints named prefix, and then removes the excess
// backups (see Config.Keep).
func (h *Handler) SaveBackup(prefix string, n int, sd *models.StateDict, meta Metadata) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path, err := h.saveLocked(BackupName(prefix, n), sd, meta)
	if err != nil {
		return "", err
	}
	if err = h.keepNBackups(prefix); err != nil {
		return "", err
	}
	return path, nil
}

// ListCheckpoints returns the base names of all the checkpoints in the directory, sorted.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var names []string
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || strings.HasPrefix(fileName, ".") || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// ListBackups returns the base names of the backups of the checkpoints named prefix, ordered by
// backup number (oldest first). If prefix is empty, backups of all prefixes are listed.
func (h *Handler) ListBackups(prefix string) ([]string, error) {
	names, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	type backup struct {
		name string
		n    int
	}
	var backups []backup
	for _, name := range names {
		matches := backupCountRegex.FindStringSubmatchIndex(name)
		if matches == nil {
			continue
		}
		if prefix != "" && name[:matches[0]] != prefix {
			continue
		}
		n, err := strconv.Atoi(name[matches[2]:matches[3]])
		if err != nil {
			continue
		}
		backups = append(backups, backup{name, n})
	}
	sort.SliceStable(backups, func(i, j int) bool { return backups[i].n < backups[j].n })
	list := make([]string, len(backups))
	for ii, b := range backups {
		list[ii] = b.name
	}
	return list, nil
}

// keepNBackups checks if there are more than the configured number of backups, and remove
// the excess.
func (h *Handler) keepNBackups(prefix string) error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListBackups(prefix)
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved backups", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	// Remove the excess backups, starting from the earlier ones.
	for _, name := range list[:len(list)-h.config.keep] {
		if err = Remove(h.Path(name)); err != nil {
			return errors.WithMessagef(err, "%s failed to remove excess backup", h)
		}
	}
	return nil
}

// Remove deletes the files of the checkpoint with the given base path. Missing files are ignored.
func Remove(basePath string) error {
	jsonPath, binPath := Files(basePath)
	for _, fileName := range []string{binPath, jsonPath} {
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove checkpoint file %q", fileName)
		}
	}
	return nil
}

// Load the checkpoint at the given base path (with or without suffix).
func Load(basePath string) (*models.StateDict, *Metadata, error) {
	basePath, err := fsutil.ReplaceTildeInDir(TrimSuffixes(basePath))
	if err != nil {
		return nil, nil, err
	}
	jsonPath, binPath := Files(basePath)
	serialized, err := ReadInfo(jsonPath)
	if err != nil {
		return nil, nil, err
	}
	binContents, err := os.ReadFile(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrapf(ErrNotFound, "data file %q", binPath)
		}
		return nil, nil, errors.Wrapf(err, "failed to read checkpoint data %q", binPath)
	}
	raw, err := decodeBin(binContents)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "checkpoint data %q", binPath)
	}
	sd := models.NewStateDict()
	for _, v := range serialized.Variables {
		size := tensors.Size(v.Dimensions...)
		if v.Length != 8*size || v.Pos < 0 || v.Pos+v.Length > len(raw) {
			return nil, nil, errors.Errorf("checkpoint %q: variable %q (dimensions %v) has invalid position %d/length %d in data of %d bytes",
				basePath, v.ParameterName, v.Dimensions, v.Pos, v.Length, len(raw))
		}
		data := make([]float64, size)
		for ii := range data {
			data[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[v.Pos+8*ii:]))
		}
		sd.Set(v.ParameterName, tensors.FromFlatDataAndDimensions(data, v.Dimensions...))
	}
	meta := serialized.Metadata
	return sd, &meta, nil
}

// ReadInfo reads the metadata file of a checkpoint, given its base path (with or without suffix).
func ReadInfo(path string) (*Info, error) {
	jsonPath, _ := Files(path)
	contents, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "metadata file %q", jsonPath)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	var serialized Info
	if err = json.Unmarshal(contents, &serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata %q", jsonPath)
	}
	return &serialized, nil
}

const (
	binHeader     = "trainkit_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// -----------------------------------------------------
// | 0                    19 | 20  | 21    20 + len    |
// -----------------------------------------------------
// |  "trainkit_checkpoints" | len |  "gzip"            |
//
// Uncompressed data has no header.

// encodeBin returns the contents of the binary file for the raw data.
func encodeBin(raw []byte, bf BinFormat) ([]byte, error) {
	if bf == BinUncompressed {
		return raw, nil
	}
	var out bytes.Buffer
	out.WriteString(binHeader)
	out.WriteByte(lenGzipHeader)
	out.WriteString(gzipHeader)
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip write")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return out.Bytes(), nil
}

// decodeBin returns the raw data of the binary file contents, uncompressing if needed.
func decodeBin(contents []byte) ([]byte, error) {
	if !bytes.HasPrefix(contents, []byte(binHeader)) {
		return contents, nil
	}
	r := bufio.NewReader(bytes.NewReader(contents[lenBinHeader:]))
	headerZipLen, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf := make([]byte, headerZipLen)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "%q", string(buf))
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return raw, nil
}
