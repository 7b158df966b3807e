package packfile

// ScannerOption configures a Scanner at construction time.
type ScannerOption func(*Scanner)
