package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// checkPrivileges warns when the daemon is unlikely to be allowed to
// subscribe to process events or read other users' executables.
func checkPrivileges(logger *zap.Logger) {
	if os.Geteuid() != 0 {
		logger.Warn("not running as root, subscribing to process events will probably fail")
	}
}

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// giveToOriginalUser hands the database and its WAL files back to the user
// who invoked sudo, along with the directories created for it. Databases
// outside that user's home are left alone.
func giveToOriginalUser(dbPath string) error {
	u, err := getOriginalUser()
	if err != nil {
		return err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %w", err)
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return err
	}
	home := filepath.Clean(u.HomeDir)
	if !strings.HasPrefix(abs, home+string(filepath.Separator)) {
		return nil
	}

	paths := []string{abs, abs + "-wal", abs + "-shm"}
	for dir := filepath.Dir(abs); dir != home; dir = filepath.Dir(dir) {
		paths = append(paths, dir)
	}
	for _, p := range paths {
		if err := os.Lchown(p, uid, gid); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not change owner of %s: %w", p, err)
		}
	}
	return nil
}
