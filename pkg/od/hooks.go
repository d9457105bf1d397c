package od

// This file regroups OD hooks that are executed when reading or writing to object dictionary

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// A Hook is called when an SDO transfer reads or writes an OD entry.
// On read, the hook is called after the OD value has been copied into
// stream.Data and may modify it or produce it (domains).
// On write, it is called before the value is copied into OD.
// Returning an error aborts the transfer, an SDO abort code can be
// returned as is.
type Hook interface {
	Access(stream *Stream) error
}

// HookFunc adapts a plain function to [Hook]
type HookFunc func(stream *Stream) error

func (f HookFunc) Access(stream *Stream) error {
	return f(stream)
}

// FileObject streams a file through a DOMAIN entry
type FileObject struct {
	FilePath  string
	WriteMode int
	ReadMode  int
	File      *os.File
	reader    *bufio.Reader
}

func (fileObject *FileObject) Access(stream *Stream) error {
	if stream.Reading {
		return fileObject.read(stream)
	}
	return fileObject.write(stream)
}

func (fileObject *FileObject) open(mode int) error {
	fileObject.close()
	var err error
	fileObject.File, err = os.OpenFile(fileObject.FilePath, mode, 0644)
	return err
}

func (fileObject *FileObject) close() {
	if fileObject.File != nil {
		fileObject.File.Close()
		fileObject.File = nil
	}
}

func (fileObject *FileObject) read(stream *Stream) error {
	if stream.FirstSegment {
		logger.Infof("[FILE] opening %v for reading", fileObject.FilePath)
		if err := fileObject.open(fileObject.ReadMode); err != nil {
			logger.Errorf("[FILE] %v", err)
			return ErrDataTransf
		}
		fileObject.reader = bufio.NewReader(fileObject.File)
	}
	if fileObject.File == nil {
		return ErrDevIncompat
	}
	last, err := readSegment(fileObject.reader, stream)
	if err != nil {
		logger.Errorf("[FILE] error reading file %v", err)
		fileObject.close()
		return ErrDataTransf
	}
	if last {
		logger.Infof("[FILE] finished reading %v", fileObject.FilePath)
		fileObject.close()
	}
	return nil
}

func (fileObject *FileObject) write(stream *Stream) error {
	if stream.FirstSegment {
		logger.Infof("[FILE] opening %v for writing", fileObject.FilePath)
		if err := fileObject.open(fileObject.WriteMode); err != nil {
			logger.Errorf("[FILE] %v", err)
			return ErrDataTransf
		}
	}
	if fileObject.File == nil {
		return ErrDevIncompat
	}
	_, err := fileObject.File.Write(stream.Data[:stream.DataLength])
	if err != nil {
		logger.Errorf("[FILE] error writing file %v", err)
		fileObject.close()
		return ErrDataTransf
	}
	if stream.LastSegment {
		logger.Infof("[FILE] finished writing %v", fileObject.FilePath)
		fileObject.close()
	}
	return nil
}

// ReaderObject streams an [io.Reader] through a read only DOMAIN entry
type ReaderObject struct {
	Reader io.Reader
	reader *bufio.Reader
}

func (readerObject *ReaderObject) Access(stream *Stream) error {
	if !stream.Reading {
		return ErrReadonly
	}
	if stream.FirstSegment || readerObject.reader == nil {
		readerObject.reader = bufio.NewReader(readerObject.Reader)
	}
	_, err := readSegment(readerObject.reader, stream)
	if err != nil {
		logger.Errorf("[READER] %v", err)
		return ErrDataTransf
	}
	return nil
}

// Fill stream data from reader. LastSegment is set when the
// reader has no more data.
func readSegment(reader *bufio.Reader, stream *Stream) (bool, error) {
	n, err := io.ReadFull(reader, stream.Data)
	stream.DataLength = uint32(n)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		stream.LastSegment = true
		return true, nil
	case err != nil:
		return false, err
	}
	// Buffer is full, check if anything is left
	if _, err := reader.Peek(1); errors.Is(err, io.EOF) {
		stream.LastSegment = true
		return true, nil
	}
	stream.LastSegment = false
	return false, nil
}
