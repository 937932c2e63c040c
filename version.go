/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

// Version is the library version reported across the foreign-call
// boundary (§6).
const Version = "0.1.0"
