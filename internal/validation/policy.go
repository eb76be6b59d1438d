package validation

// DefaultMaxUploadSize is the baseline upload ceiling (100 MiB)
const DefaultMaxUploadSize int64 = 100 << 20

// SniffLength is how many leading bytes the content sniffer gets to see
const SniffLength = 2 << 10

// maxNameLength matches the display/original name column width
const maxNameLength = 255

// deniedExtensions are executables and scripts, rejected before the allowlist is consulted
var deniedExtensions = map[string]bool{
	".exe": true, ".dll": true, ".com": true, ".bat": true, ".cmd": true,
	".msi": true, ".scr": true, ".pif": true, ".cpl": true, ".sys": true,
	".sh": true, ".bash": true, ".zsh": true, ".ps1": true, ".psm1": true,
	".vbs": true, ".vbe": true, ".js": true, ".jse": true, ".wsf": true,
	".jar": true, ".class": true, ".apk": true, ".app": true, ".bin": true,
	".php": true, ".phtml": true, ".py": true, ".pl": true, ".rb": true,
	".cgi": true, ".asp": true, ".aspx": true, ".jsp": true,
	".html": true, ".htm": true, ".xhtml": true, ".svg": true, ".hta": true,
	".lnk": true, ".reg": true, ".elf": true, ".so": true, ".dylib": true,
}

const (
	ooxmlWord  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ooxmlSheet = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ooxmlSlide = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	odfText    = "application/vnd.oasis.opendocument.text"
	odfSheet   = "application/vnd.oasis.opendocument.spreadsheet"
	odfSlide   = "application/vnd.oasis.opendocument.presentation"
	zipArchive = "application/zip"
)

var (
	textFamily = []string{"text/plain", "text/markdown", "text/csv"}
	rtfFamily  = []string{"text/rtf", "application/rtf"}
	oleFamily  = []string{"application/msword", "application/vnd.ms-excel", "application/vnd.ms-powerpoint", "application/x-ole-storage"}
	gzipFamily = []string{"application/gzip", "application/x-gzip"}
	rarFamily  = []string{"application/x-rar-compressed", "application/vnd.rar"}
	oggFamily  = []string{"audio/ogg", "application/ogg"}
	m4aFamily  = []string{"audio/mp4", "audio/x-m4a"}
	mp4Family  = []string{"video/mp4", "audio/mp4"}
	jpegFamily = []string{"image/jpeg"}
	tiffFamily = []string{"image/tiff"}
	wavFamily  = []string{"audio/wav", "audio/x-wav"}
)

// extensionFamilies maps every accepted extension to the media types its
// content may sniff as. Office containers are zip archives underneath, so
// a generic zip detection is accepted for them.
var extensionFamilies = map[string][]string{
	// documents
	".txt":  textFamily,
	".md":   textFamily,
	".csv":  textFamily,
	".rtf":  rtfFamily,
	".pdf":  {"application/pdf"},
	".doc":  oleFamily,
	".xls":  oleFamily,
	".ppt":  oleFamily,
	".docx": {ooxmlWord, zipArchive},
	".xlsx": {ooxmlSheet, zipArchive},
	".pptx": {ooxmlSlide, zipArchive},
	".odt":  {odfText, zipArchive},
	".ods":  {odfSheet, zipArchive},
	".odp":  {odfSlide, zipArchive},
	// images
	".png":  {"image/png"},
	".jpg":  jpegFamily,
	".jpeg": jpegFamily,
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".bmp":  {"image/bmp"},
	".tif":  tiffFamily,
	".tiff": tiffFamily,
	// archives
	".zip": {zipArchive},
	".tar": {"application/x-tar"},
	".gz":  gzipFamily,
	".tgz": gzipFamily,
	".7z":  {"application/x-7z-compressed"},
	".rar": rarFamily,
	// audio
	".mp3":  {"audio/mpeg"},
	".wav":  wavFamily,
	".ogg":  oggFamily,
	".flac": {"audio/flac"},
	".m4a":  m4aFamily,
	// video
	".mp4":  mp4Family,
	".webm": {"video/webm"},
	".mov":  {"video/quicktime"},
	".avi":  {"video/x-msvideo"},
	".mkv":  {"video/x-matroska"},
}

// allowedMediaTypes is the union of every family, keyed by bare media type
var allowedMediaTypes = func() map[string]bool {
	set := make(map[string]bool)
	for _, family := range extensionFamilies {
		for _, mt := range family {
			set[mt] = true
		}
	}
	return set
}()

// ExtensionDenied reports whether ext (lowercase, with dot) is on the denylist
func ExtensionDenied(ext string) bool {
	return deniedExtensions[ext]
}

// ExtensionAllowed reports whether ext passes both the denylist and the allowlist
func ExtensionAllowed(ext string) bool {
	_, ok := extensionFamilies[ext]
	return ok && !deniedExtensions[ext]
}

// MediaTypeAllowed reports whether a bare media type is accepted
func MediaTypeAllowed(mediaType string) bool {
	return allowedMediaTypes[mediaType]
}

// MediaTypeMatchesExtension reports whether content of mediaType may carry ext
func MediaTypeMatchesExtension(mediaType, ext string) bool {
	for _, mt := range extensionFamilies[ext] {
		if mt == mediaType {
			return true
		}
	}
	return false
}
