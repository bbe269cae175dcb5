package checkpoints

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Config configures where and how checkpoints are written
type Config struct {
	Directory string           `yaml:"directory"`
	ModelName string           `yaml:"model_name"`
	Tag       string           `yaml:"tag"`
	Extension string           `yaml:"extension"`
	Format    CheckpointFormat `yaml:"-"`
}

// DefaultConfig returns the naming of the reference run: EfficientNet-<epoch>-l2reg0.001.pth
func DefaultConfig() Config {
	return Config{
		Directory: "checkpoints",
		ModelName: "EfficientNet",
		Tag:       "l2reg0.001",
		Extension: "pth",
		Format:    FormatRaw,
	}
}

// ExistsError is returned instead of overwriting an existing artifact
type ExistsError struct {
	Path string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("checkpoint %s already exists", e.Path)
}

// Entry is an artifact found on disk
type Entry struct {
	Epoch int
	Path  string
	Size  int64
}

// Manager writes one artifact per completed training epoch. Artifacts are never overwritten
// or deleted.
type Manager struct {
	fs      afero.Fs
	config  Config
	pattern *regexp.Regexp
	logger  *zap.Logger
}

// NewManager creates a checkpoint manager
func NewManager(fs afero.Fs, config Config, logger *zap.Logger) (*Manager, error) {
	if config.Directory == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if config.ModelName == "" {
		return nil, errors.New("checkpoint model name is required")
	}
	if config.Extension == "" {
		return nil, errors.New("checkpoint extension is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(config.ModelName) + `-(\d+)-` +
		regexp.QuoteMeta(config.Tag) + `\.` + regexp.QuoteMeta(config.Extension) + "$")

	return &Manager{
		fs:      fs,
		config:  config,
		pattern: pattern,
		logger:  logger,
	}, nil
}

// Filename returns the artifact name for a 1-based epoch
func (m *Manager) Filename(epoch int) string {
	return fmt.Sprintf("%s-%d-%s.%s", m.config.ModelName, epoch, m.config.Tag, m.config.Extension)
}

// Path returns the artifact location for a 1-based epoch
func (m *Manager) Path(epoch int) string {
	return filepath.Join(m.config.Directory, m.Filename(epoch))
}

// Save serializes the model through serialize and stores it for the 1-based epoch. The data
// goes to a temporary file first and is renamed into place only after a complete write.
func (m *Manager) Save(epoch int, meta Metadata, serialize func(w io.Writer) error) (string, error) {
	if epoch < 1 {
		return "", errors.Errorf("checkpoint epoch must be at least 1, got %d", epoch)
	}

	path := m.Path(epoch)
	if err := m.checkAbsent(path); err != nil {
		return "", err
	}

	var payload bytes.Buffer
	if err := serialize(&payload); err != nil {
		return "", errors.Wrapf(err, "failed to serialize model for epoch %d", epoch)
	}

	meta.ModelName = m.config.ModelName
	meta.Tag = m.config.Tag
	meta.Epoch = epoch
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	if err := m.fs.MkdirAll(m.config.Directory, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp, err := afero.TempFile(m.fs, m.config.Directory, "."+m.Filename(epoch)+".tmp-")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary checkpoint")
	}
	tmpName := tmp.Name()

	err = Encode(tmp, m.config.Format, &Checkpoint{Metadata: meta, Payload: payload.Bytes()})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = m.checkAbsent(path)
	}
	if err == nil {
		err = m.fs.Rename(tmpName, path)
	}
	if err != nil {
		m.fs.Remove(tmpName)
		var exists *ExistsError
		if errors.As(err, &exists) {
			return "", err
		}
		return "", errors.Wrapf(err, "failed to write checkpoint %s", path)
	}

	var size int64
	if info, statErr := m.fs.Stat(path); statErr == nil {
		size = info.Size()
	}
	m.logger.Info("saved checkpoint",
		zap.String("path", path),
		zap.Int("epoch", epoch),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	return path, nil
}

func (m *Manager) checkAbsent(path string) error {
	exists, err := afero.Exists(m.fs, path)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", path)
	}
	if exists {
		return &ExistsError{Path: path}
	}
	return nil
}

// List returns every artifact of this model and tag, sorted by epoch
func (m *Manager) List() ([]Entry, error) {
	infos, err := afero.ReadDir(m.fs, m.config.Directory)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", m.config.Directory)
	}

	var entries []Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		match := m.pattern.FindStringSubmatch(info.Name())
		if match == nil {
			continue
		}
		epoch, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Epoch: epoch,
			Path:  filepath.Join(m.config.Directory, info.Name()),
			Size:  info.Size(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Epoch < entries[j].Epoch
	})
	return entries, nil
}

// Latest returns the artifact with the highest epoch. The boolean is false if none exist.
func (m *Manager) Latest() (Entry, bool, error) {
	entries, err := m.List()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// Load reads an artifact written in this manager's format
func (m *Manager) Load(path string) (*Checkpoint, error) {
	file, err := m.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer file.Close()

	ckpt, err := Decode(file, m.config.Format)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return ckpt, nil
}

// Conflicts returns the paths of existing artifacts for epochs 1..epochs, which a run of
// that length would need to write
func (m *Manager) Conflicts(epochs int) ([]string, error) {
	var conflicts []string
	for epoch := 1; epoch <= epochs; epoch++ {
		path := m.Path(epoch)
		exists, err := afero.Exists(m.fs, path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", path)
		}
		if exists {
			conflicts = append(conflicts, path)
		}
	}
	return conflicts, nil
}
