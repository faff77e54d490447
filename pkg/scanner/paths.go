package scanner

// executableExtensions limits quick scans to file types malware commonly
// ships with.
var executableExtensions = map[string]bool{
	".exe": true, ".dll": true, ".bat": true, ".cmd": true, ".ps1": true,
	".vbs": true, ".js": true, ".jar": true, ".scr": true, ".pif": true,
	".so": true, ".sh": true, ".elf": true, ".bin": true,
}
