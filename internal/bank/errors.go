package bank

import "errors"

var (
	// ErrUnauthenticated はセッションにログイン済みユーザーがいないことを表します。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbiddenActor は送金元口座がセッションのユーザー自身のものでないことを表します。
	ErrForbiddenActor = errors.New("source account does not belong to the session user")

	// ErrAccountNotFound は送金元か送金先の口座が存在しないことを表します。
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransferDenied は上記以外の前提条件違反（不正な金額など）をまとめたものです。
	ErrTransferDenied = errors.New("transfer denied")
)
