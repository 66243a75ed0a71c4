package binkp

import (
	"fmt"
	"strconv"
	"strings"
)

// Announcement is the parsed form of an M_FILE/M_GET/M_GOT argument
// string: "name size mtime offset[ crc32-hex-8-upper]". M_GOT omits the
// offset and CRC.
type Announcement struct {
	Name      string
	Size      int64
	Mtime     int64
	Offset    int64
	HasOffset bool
	HasCRC    bool
	CRC32     uint32
}

// FormatFileAnnouncement renders the M_FILE/M_GET wire form for a file at
// the given offset. CRC is appended only when nonzero, per §4.C.
func FormatFileAnnouncement(name string, size, mtime, offset int64, crc uint32) string {
	s := fmt.Sprintf("%s %d %d %d", name, size, mtime, offset)
	if crc != 0 {
		s += fmt.Sprintf(" %08X", crc)
	}
	return s
}

// FormatGotAnnouncement renders the M_GOT wire form (no offset, no CRC).
func FormatGotAnnouncement(name string, size, mtime int64) string {
	return fmt.Sprintf("%s %d %d", name, size, mtime)
}

// ParseAnnouncement parses an M_FILE/M_GET argument string. Offset is
// required for these two commands.
func ParseAnnouncement(args string) (Announcement, error) {
	a, err := parseAnnouncementFields(args, true)
	if err != nil {
		return Announcement{}, err
	}
	return a, nil
}

// ParseGotAnnouncement parses an M_GOT argument string (no offset field).
func ParseGotAnnouncement(args string) (Announcement, error) {
	a, err := parseAnnouncementFields(args, false)
	if err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func parseAnnouncementFields(args string, wantOffset bool) (Announcement, error) {
	fields := strings.Fields(args)
	minFields := 3
	if wantOffset {
		minFields = 4
	}
	if len(fields) < minFields {
		return Announcement{}, newProtocolError("announcement has too few fields", args)
	}
	if len(fields[0]) == 0 || len(fields[0]) > 255 {
		return Announcement{}, newProtocolError("announcement name length out of range", fields[0])
	}

	var a Announcement
	a.Name = fields[0]

	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return Announcement{}, newProtocolError("announcement size is not a valid nonnegative integer", fields[1])
	}
	a.Size = size

	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Announcement{}, newProtocolError("announcement mtime is not a valid integer", fields[2])
	}
	a.Mtime = mtime

	idx := 3
	if wantOffset {
		offset, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || offset < 0 || offset > size {
			return Announcement{}, newProtocolError("announcement offset is invalid or exceeds size", fields[3])
		}
		a.Offset = offset
		a.HasOffset = true
		idx = 4
	}

	if len(fields) > idx {
		crc, err := strconv.ParseUint(fields[idx], 16, 32)
		if err != nil {
			return Announcement{}, newProtocolError("announcement crc32 is not valid hex", fields[idx])
		}
		a.CRC32 = uint32(crc)
		a.HasCRC = true
	}

	return a, nil
}
