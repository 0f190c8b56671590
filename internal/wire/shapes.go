package wire

// ShapeView is the subset of a static shape's data needed to encode a
// compressed shape bundle.
type ShapeView struct {
	ID   string
	Lats []float64
	Lons []float64
}

type shapeBundle struct {
	IDs            []string  `json:"ids"`
	CompressedLats [][]int64 `json:"compressedLats"`
	CompressedLons [][]int64 `json:"compressedLons"`
}

type shapeBundleMessage struct {
	Shapes shapeBundle `json:"shapes"`
}

// EncodeShapeBundle renders the given shapes as the compressed-JSON bundle
// served at /static/<key>: no trip_ids, since clients never need them.
func EncodeShapeBundle(shapes []ShapeView) (string, error) {
	bundle := shapeBundle{
		IDs:            make([]string, len(shapes)),
		CompressedLats: make([][]int64, len(shapes)),
		CompressedLons: make([][]int64, len(shapes)),
	}
	for i, shape := range shapes {
		bundle.IDs[i] = shape.ID
		bundle.CompressedLats[i] = CompressCoords(RefLat, shape.Lats)
		bundle.CompressedLons[i] = CompressCoords(RefLon, shape.Lons)
	}
	return compactJSON(shapeBundleMessage{Shapes: bundle})
}
