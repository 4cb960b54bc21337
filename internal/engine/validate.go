package engine

// checkEncodingSize validates a submitted encoding byte length against the
// project's fixed size when one exists, or against the configured global
// bounds when the size is not yet fixed. Pure check; the caller persists the
// now-fixed size on the first accepted upload.
func checkEncodingSize(fixed *int, submitted, min, max int) error {
	if fixed != nil {
		if submitted != *fixed {
			return invalid("invalid encoding size %d, project uses %d", submitted, *fixed)
		}
		return nil
	}
	if submitted < min || submitted > max {
		return invalid("encoding size %d out of bounds [%d, %d]", submitted, min, max)
	}
	return nil
}
