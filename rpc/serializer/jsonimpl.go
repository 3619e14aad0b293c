package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dRep/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding. Useful for
// debugging a cluster with a packet capture, every node must use the same
// serializer though.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Deserialize resets msg first, absent fields must not leak from a previous use
func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	return json.Unmarshal(b, msg)
}
