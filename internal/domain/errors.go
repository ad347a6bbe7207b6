package domain

import "errors"

var (
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrDuplicateCustomer = errors.New("customer already registered")
	ErrDuplicateReceipt  = errors.New("receipt already recorded")
	ErrPurchaseNotFound  = errors.New("purchase not found")
)
