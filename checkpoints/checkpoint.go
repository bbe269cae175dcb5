package checkpoints

import (
	"bufio"
	"io"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatRaw stores the model's serialized parameters and nothing else
	FormatRaw CheckpointFormat = iota
	// FormatProto stores a length-delimited metadata struct followed by the payload
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatRaw:
		return "raw"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// ParseFormat converts a configuration value into a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "raw", "":
		return FormatRaw, nil
	case "proto":
		return FormatProto, nil
	default:
		return 0, errors.Errorf("unsupported checkpoint format %q", s)
	}
}

// Metadata describes the training state a checkpoint was taken at
type Metadata struct {
	ModelName     string
	Tag           string
	Epoch         int
	LearningRate  float64
	TrainLoss     float64
	TrainAccuracy float64
	CreatedAt     time.Time
}

// Checkpoint is a model artifact: metadata plus the opaque parameter payload. Raw artifacts
// carry no metadata.
type Checkpoint struct {
	Metadata Metadata
	Payload  []byte
}

// Encode writes a checkpoint in the given format
func Encode(w io.Writer, format CheckpointFormat, ckpt *Checkpoint) error {
	switch format {
	case FormatRaw:
		_, err := w.Write(ckpt.Payload)
		return errors.Wrap(err, "failed to write payload")

	case FormatProto:
		meta, err := structpb.NewStruct(map[string]interface{}{
			"model_name":     ckpt.Metadata.ModelName,
			"tag":            ckpt.Metadata.Tag,
			"epoch":          ckpt.Metadata.Epoch,
			"learning_rate":  ckpt.Metadata.LearningRate,
			"train_loss":     ckpt.Metadata.TrainLoss,
			"train_accuracy": ckpt.Metadata.TrainAccuracy,
			"created_at":     ckpt.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return errors.Wrap(err, "failed to build metadata")
		}
		if _, err := protodelim.MarshalTo(w, meta); err != nil {
			return errors.Wrap(err, "failed to write metadata")
		}
		if _, err := protodelim.MarshalTo(w, wrapperspb.Bytes(ckpt.Payload)); err != nil {
			return errors.Wrap(err, "failed to write payload")
		}
		return nil

	default:
		return errors.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode reads a checkpoint written by Encode in the same format
func Decode(r io.Reader, format CheckpointFormat) (*Checkpoint, error) {
	switch format {
	case FormatRaw:
		payload, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read payload")
		}
		return &Checkpoint{Payload: payload}, nil

	case FormatProto:
		br := bufio.NewReader(r)

		meta := &structpb.Struct{}
		if err := protodelim.UnmarshalFrom(br, meta); err != nil {
			return nil, errors.Wrap(err, "failed to read metadata")
		}
		payload := &wrapperspb.BytesValue{}
		if err := protodelim.UnmarshalFrom(br, payload); err != nil {
			return nil, errors.Wrap(err, "failed to read payload")
		}

		fields := meta.AsMap()
		ckpt := &Checkpoint{Payload: payload.GetValue()}
		ckpt.Metadata.ModelName, _ = fields["model_name"].(string)
		ckpt.Metadata.Tag, _ = fields["tag"].(string)
		if v, ok := fields["epoch"].(float64); ok {
			ckpt.Metadata.Epoch = int(v)
		}
		ckpt.Metadata.LearningRate, _ = fields["learning_rate"].(float64)
		ckpt.Metadata.TrainLoss, _ = fields["train_loss"].(float64)
		ckpt.Metadata.TrainAccuracy, _ = fields["train_accuracy"].(float64)
		if s, ok := fields["created_at"].(string); ok {
			created, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, errors.Wrap(err, "invalid created_at")
			}
			ckpt.Metadata.CreatedAt = created
		}
		return ckpt, nil

	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format)
	}
}
