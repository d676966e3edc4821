package file

// Gracefully stops module
func (mod *InModule) Shutdown() (err error) {
	if mod == nil {
		return
	}
	if mod.decoder != nil {
		mod.decoder.Close()
	}
	if mod.file != nil {
		err = mod.file.Close()
	}
	return
}

// Flushes pending lines and closes the file
func (mod *OutModule) Shutdown() (err error) {
	if mod == nil {
		return
	}
	_, err = mod.FlushBuffer()
	if mod.encoder != nil {
		if closeErr := mod.encoder.Close(); err == nil {
			err = closeErr
		}
	}
	if mod.file != nil {
		if closeErr := mod.file.Close(); err == nil {
			err = closeErr
		}
	}
	return
}
