package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is the notification that an input file arrived and a run
// should start. It mirrors the file-arrival collaborator's payload.
type TriggerEvent struct {
	Bucket      string
	Key         string
	Size        int64
	EventTime   time.Time
	EventSource string
}

// InputDescriptor identifies the input object a job processes.
func (t TriggerEvent) InputDescriptor() InputDescriptor {
	return InputDescriptor{Bucket: t.Bucket, Key: t.Key, Size: t.Size}
}

// JobID derives the job identity from the object identity. The derivation is
// deterministic so concurrent triggers for the same object contend on one
// job rather than spawning duplicates.
func (t TriggerEvent) JobID() uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("s3://%s/%s", t.Bucket, t.Key)))
}

// InputDescriptor locates the delimited-data object to process.
type InputDescriptor struct {
	Bucket string
	Key    string
	Size   int64
}

func (d InputDescriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Bucket, d.Key)
}
