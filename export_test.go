package distributor

// ValueFile exposes the file interface used by DurableValue.
type ValueFile = valueFile

// OpenDurableValueOn opens a DurableValue over an already opened file.
func OpenDurableValueOn[T any](path string, f ValueFile, codec ValueCodec[T], def T) (*DurableValue[T], error) {
	return openDurableValue(path, f, codec, def, durableConfig{maxSize: DefaultMaxValueSize})
}

// FileLen returns the file length tracked by d.
func FileLen[T any](d *DurableValue[T]) int {
	return d.fileLen
}
